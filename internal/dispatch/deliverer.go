package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/email"
	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/webhook"
	"pipeline_engine_backend/platform/logger"
)

// PermanentError marks a delivery that will fail the same way on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *webhook.StatusError
	return errors.As(err, &se) && se.Permanent()
}

func permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// WebhookSender is satisfied by *webhook.Client.
type WebhookSender interface {
	Send(ctx context.Context, call webhook.Call) error
}

// DelivererOptions configures a Deliverer.
type DelivererOptions struct {
	Store   outbox.Store
	Email   email.Sender
	Webhook WebhookSender
	Bus     events.Bus
	Log     *logger.Logger
}

// Deliverer performs the side effect behind one outbox row. Tasks and user
// notifications go out on the event bus; email and webhooks leave the process.
type Deliverer struct {
	store   outbox.Store
	email   email.Sender
	webhook WebhookSender
	bus     events.Bus
	log     *logger.Logger
}

func NewDeliverer(opts DelivererOptions) *Deliverer {
	if opts.Email == nil {
		opts.Email = email.NoopSender{}
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Deliverer{
		store:   opts.Store,
		email:   opts.Email,
		webhook: opts.Webhook,
		bus:     opts.Bus,
		log:     opts.Log,
	}
}

// Deliver sends one outbox record. Rows already delivered are skipped, so a
// duplicate wake-up is harmless.
func (d *Deliverer) Deliver(ctx context.Context, rec outbox.Record) error {
	if rec.Status == outbox.StatusSucceeded {
		return nil
	}
	if err := d.store.MarkProcessing(ctx, rec.ID); err != nil {
		return err
	}

	err := d.send(ctx, rec)
	if err != nil {
		d.log.DispatchFailed(string(rec.Kind), rec.Target, err)
		if markErr := d.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			d.log.DatabaseError("outbox_mark_failed", markErr)
		}
		return err
	}
	return d.store.MarkSucceeded(ctx, rec.ID)
}

// DeliverByID loads and delivers a record.
func (d *Deliverer) DeliverByID(ctx context.Context, id string) error {
	rec, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, rec)
}

func (d *Deliverer) load(ctx context.Context, id string) (outbox.Record, error) {
	parsed, err := parseID(id)
	if err != nil {
		return outbox.Record{}, permanent("outbox id %q: %v", id, err)
	}
	rec, err := d.store.GetByID(ctx, parsed)
	if errors.Is(err, outbox.ErrNotFound) {
		return outbox.Record{}, &PermanentError{Err: err}
	}
	return rec, err
}

func (d *Deliverer) send(ctx context.Context, rec outbox.Record) error {
	req, err := rec.Request()
	if err != nil {
		return &PermanentError{Err: err}
	}

	switch req.Kind {
	case domain.DispatchEmail:
		if req.Target == "" {
			return permanent("send_email without recipient")
		}
		return d.email.SendRuleEmail(ctx, req.Target, email.RuleEmail{
			Subject:         payloadString(req.Payload, "subject"),
			Body:            payloadString(req.Payload, "body"),
			OpportunityName: payloadString(req.Payload, "opportunityName"),
			StageName:       payloadString(req.Payload, "stage"),
			RuleName:        payloadString(req.Payload, "ruleName"),
			Value:           payloadString(req.Payload, "value"),
		})
	case domain.DispatchWebhook:
		if d.webhook == nil {
			return permanent("webhook delivery not configured")
		}
		return d.webhook.Send(ctx, webhook.Call{
			DeliveryID: req.ID.String(),
			URL:        req.Target,
			Method:     payloadString(req.Payload, "method"),
			Body:       req.Payload,
		})
	case domain.DispatchTask:
		if d.bus == nil {
			return permanent("event bus not configured")
		}
		return d.bus.PublishSync(ctx, events.TaskRequested{
			BaseEvent:     events.NewBaseEvent(),
			DispatchID:    req.ID,
			TenantID:      req.TenantID,
			OpportunityID: req.OpportunityID,
			RuleID:        req.RuleID,
			Assignee:      req.Target,
			Payload:       req.Payload,
		})
	case domain.DispatchNotification:
		if d.bus == nil {
			return permanent("event bus not configured")
		}
		return d.bus.PublishSync(ctx, events.UserNotificationRequested{
			BaseEvent:     events.NewBaseEvent(),
			DispatchID:    req.ID,
			TenantID:      req.TenantID,
			OpportunityID: req.OpportunityID,
			RuleID:        req.RuleID,
			UserID:        req.Target,
			Message:       payloadString(req.Payload, "message"),
			Payload:       req.Payload,
		})
	default:
		return permanent("unknown dispatch kind %q", req.Kind)
	}
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
