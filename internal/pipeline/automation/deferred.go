package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// ResumeDeferred claims a deferred action and runs the rest of its rule's
// action list. Items that were already claimed or cancelled are skipped, so
// each deferred tail is attempted at most once.
func (e *Engine) ResumeDeferred(ctx context.Context, id uuid.UUID) (Result, error) {
	d, ok, err := e.store.ClaimDeferred(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		e.metrics.deferred("skipped")
		return Result{}, nil
	}
	return e.resumeClaimed(ctx, d)
}

// RunDue resumes every deferred action due at now. It is the polling fallback
// for a missed scheduler wake-up.
func (e *Engine) RunDue(ctx context.Context, now time.Time, limit int) (int, error) {
	items, err := e.store.ClaimDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, d := range items {
		if _, err := e.resumeClaimed(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("deferred %s: %w", d.ID, err))
		}
	}
	return len(items), errors.Join(errs...)
}

func (e *Engine) resumeClaimed(ctx context.Context, d domain.DeferredAction) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "automation.ResumeDeferred")
	defer span.End()

	complete := func() error {
		if err := e.store.CompleteDeferred(ctx, d.ID); err != nil {
			return err
		}
		e.metrics.deferred("completed")
		return nil
	}

	cfg, err := e.store.GetConfiguration(ctx, d.TenantID, d.PipelineID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Result{}, complete()
		}
		return Result{}, err
	}
	rule, _, ok := cfg.FindRule(d.RuleID)
	if !ok || !rule.IsActive || d.ResumeIndex >= len(rule.Actions) {
		return Result{}, complete()
	}

	unlock, err := e.locker.Lock(ctx, lockKey(d.OpportunityID))
	if err != nil {
		return Result{}, fmt.Errorf("lock opportunity: %w", err)
	}
	defer unlock()

	opp, err := e.loadOpportunity(ctx, &cfg, d.OpportunityID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Result{}, complete()
		}
		return Result{}, err
	}

	c := newChain(&cfg, d.OriginEventID)
	item := queuedEvent{event: domain.NewEvent(rule.Trigger.Type, cfg.TenantID, opp.ID, domain.ActorSystem, domain.EventPayload{RuleID: &rule.ID}, e.now())}
	run := e.runActions(ctx, c, rule, &opp, item, d.ResumeIndex, d.ActionsRun, true)
	total := d.ActionsRun + run.actionsRun
	if err := e.finishExecution(ctx, c, rule, opp.ID, rule.Trigger.Type, total, run); err != nil {
		recordSpanError(span, err)
		return c.result, err
	}
	if err := complete(); err != nil {
		return c.result, err
	}
	if run.fatal != nil {
		recordSpanError(span, run.fatal)
		return c.result, run.fatal
	}
	if run.err != nil && apperr.Is(run.err, apperr.KindCascadeLimit) {
		return c.result, run.err
	}

	err = e.drain(ctx, c)
	recordSpanError(span, err)
	return c.result, err
}

// CancelRule cancels the pending deferred actions of a rule. It is called
// when a rule is deactivated or deleted; tails already running finish.
func (e *Engine) CancelRule(ctx context.Context, ruleID uuid.UUID) (int, error) {
	ids, err := e.store.CancelDeferredForRule(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	for range ids {
		e.metrics.deferred("cancelled")
	}
	if e.scheduler != nil && len(ids) > 0 {
		if err := e.scheduler.CancelDeferred(ctx, ids); err != nil {
			// The store status already prevents the tail from running.
			e.log.Warn("scheduled deferred actions not removed", "rule_id", ruleID, "count", len(ids), "error", err)
		}
	}
	return len(ids), nil
}

// Tick raises date_reached for every active date rule whose date (plus the
// trigger's offsetDays) has been reached. Each (rule, opportunity, date)
// fires at most once.
func (e *Engine) Tick(ctx context.Context, cfg domain.Configuration, now time.Time) (int, error) {
	opps, err := e.store.ListOpportunities(ctx, cfg.TenantID, cfg.ID)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, opp := range opps {
		stage, ok := cfg.StageByID(opp.StageID)
		if !ok {
			continue
		}
		for _, rule := range stage.Rules {
			if !rule.IsActive || rule.Trigger.Type != domain.TriggerDateReached {
				continue
			}
			due, ok := dueDate(rule, domain.FieldView{Opportunity: opp, Config: &cfg, Now: now})
			if !ok || now.Before(due) {
				continue
			}
			first, err := e.store.MarkDateTriggerFired(ctx, rule.ID, opp.ID, due)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !first {
				continue
			}
			ruleID := rule.ID
			ev := domain.NewEvent(domain.TriggerDateReached, cfg.TenantID, opp.ID, domain.ActorSystem,
				domain.EventPayload{RuleID: &ruleID, DueDate: &due}, now)
			if _, err := e.SubmitEvent(ctx, cfg, ev); err != nil {
				errs = append(errs, fmt.Errorf("date trigger %s on %s: %w", rule.ID, opp.ID, err))
			}
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// dueDate is the day a date rule fires for an opportunity.
func dueDate(rule domain.Rule, view domain.FieldView) (time.Time, bool) {
	field := rule.Trigger.String("field")
	if field == "" {
		field = string(domain.FieldExpectedCloseDate)
	}
	v := view.Lookup(field)
	if !v.Present || v.Kind != domain.FieldKindDate {
		return time.Time{}, false
	}
	offset, _ := rule.Trigger.Float("offsetDays")
	due := v.Time.UTC().Truncate(24 * time.Hour).AddDate(0, 0, int(offset))
	return due, true
}

// RuleStatus reports a rule and its current state.
type RuleStatus struct {
	RuleID         uuid.UUID        `json:"ruleId"`
	StageID        uuid.UUID        `json:"stageId"`
	StageName      string           `json:"stageName"`
	Name           string           `json:"name"`
	Trigger        string           `json:"trigger"`
	State          domain.RuleState `json:"state"`
	ExecutionCount int64            `json:"executionCount"`
	LastExecutedAt *time.Time       `json:"lastExecutedAt,omitempty"`
}

// RuleStates reports every rule of cfg in stage order.
func (e *Engine) RuleStates(ctx context.Context, cfg domain.Configuration) ([]RuleStatus, error) {
	pending, err := e.store.PendingDeferredRules(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	var out []RuleStatus
	for _, stage := range cfg.OrderedStages() {
		for _, rule := range stage.Rules {
			out = append(out, RuleStatus{
				RuleID:         rule.ID,
				StageID:        stage.ID,
				StageName:      stage.Name,
				Name:           rule.Name,
				Trigger:        string(rule.Trigger.Type),
				State:          rule.State(e.isExecuting(rule.ID), pending[rule.ID]),
				ExecutionCount: rule.ExecutionCount,
				LastExecutedAt: rule.LastExecutedAt,
			})
		}
	}
	return out, nil
}
