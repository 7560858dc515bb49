// Package automation runs stage automation rules against opportunity events.
//
// Every event chain of one opportunity runs under a per-opportunity lock.
// Follow-up events raised by actions go onto a FIFO work queue owned by the
// chain; the chain shares one budget of automated moves so that rules moving
// opportunities back and forth cannot loop.
package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/platform/apperr"
	"pipeline_engine_backend/platform/lock"
	"pipeline_engine_backend/platform/logger"
	"pipeline_engine_backend/platform/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCascadeLimit is the automated move budget of one originating event.
const DefaultCascadeLimit = 5

// ExitCriteriaPolicy decides what a forward move does when the stage being
// left has empty required fields.
type ExitCriteriaPolicy string

const (
	ExitCriteriaAdvisory ExitCriteriaPolicy = "advisory"
	ExitCriteriaStrict   ExitCriteriaPolicy = "strict"
)

// Store is the persistence the engine needs.
type Store interface {
	repository.ConfigurationReader
	RecordRuleExecution(ctx context.Context, ruleID uuid.UUID, executedAt time.Time) error
	repository.OpportunityStore
	repository.Ledger
	repository.DeferredStore
}

// Dispatcher hands side effects to their delivery channel. The engine does
// not wait for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) error
}

// Scheduler wakes deferred actions when they are due. It is optional; RunDue
// covers deferred actions when no scheduler is wired.
type Scheduler interface {
	ScheduleDeferred(ctx context.Context, d domain.DeferredAction) error
	CancelDeferred(ctx context.Context, ids []uuid.UUID) error
}

// Options configures an Engine.
type Options struct {
	Store        Store
	Locker       lock.Locker
	Dispatcher   Dispatcher
	Scheduler    Scheduler
	Bus          events.Bus
	Metrics      *Metrics
	Log          *logger.Logger
	CascadeLimit int
	ExitCriteria ExitCriteriaPolicy
	Now          func() time.Time
}

// Engine evaluates rules and applies their actions.
type Engine struct {
	store        Store
	locker       lock.Locker
	dispatcher   Dispatcher
	scheduler    Scheduler
	bus          events.Bus
	metrics      *Metrics
	log          *logger.Logger
	tracer       trace.Tracer
	cascadeLimit int
	exitCriteria ExitCriteriaPolicy
	now          func() time.Time

	mu        sync.Mutex
	executing map[uuid.UUID]int
}

// New creates an engine. Store is required; the rest falls back to
// in-process defaults.
func New(opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.CascadeLimit < 1 {
		opts.CascadeLimit = DefaultCascadeLimit
	}
	if opts.ExitCriteria != ExitCriteriaStrict {
		opts.ExitCriteria = ExitCriteriaAdvisory
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:        opts.Store,
		locker:       opts.Locker,
		dispatcher:   opts.Dispatcher,
		scheduler:    opts.Scheduler,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		log:          opts.Log,
		tracer:       telemetry.Tracer("automation"),
		cascadeLimit: opts.CascadeLimit,
		exitCriteria: opts.ExitCriteria,
		now:          opts.Now,
		executing:    make(map[uuid.UUID]int),
	}
}

// CascadeLimit reports the configured move budget.
func (e *Engine) CascadeLimit() int { return e.cascadeLimit }

// RuleExecution is the outcome of one rule run within a chain.
type RuleExecution struct {
	RuleID        uuid.UUID `json:"ruleId"`
	RuleName      string    `json:"ruleName"`
	OpportunityID uuid.UUID `json:"opportunityId"`
	Trigger       string    `json:"trigger"`
	ActionsRun    int       `json:"actionsRun"`
	Deferred      bool      `json:"deferred"`
	Error         string    `json:"error,omitempty"`
}

// Result summarizes everything an event chain did.
type Result struct {
	EventID        uuid.UUID                `json:"eventId"`
	Movements      []domain.Movement        `json:"movements"`
	Executions     []RuleExecution          `json:"executions"`
	Dispatched     []domain.DispatchRequest `json:"dispatched"`
	DispatchErrors int                      `json:"dispatchErrors"`
	Deferred       []domain.DeferredAction  `json:"deferred"`
	EventsHandled  int                      `json:"eventsHandled"`
}

type queuedEvent struct {
	event domain.Event
	depth int
}

// chain is the state of one originating event and everything it raised.
type chain struct {
	cfg    *domain.Configuration
	origin uuid.UUID
	queue  []queuedEvent
	moves  int
	result Result
}

func newChain(cfg *domain.Configuration, origin uuid.UUID) *chain {
	return &chain{cfg: cfg, origin: origin, result: Result{EventID: origin}}
}

func (c *chain) push(ev domain.Event, depth int) {
	c.queue = append(c.queue, queuedEvent{event: ev, depth: depth})
}

func (c *chain) pop() (queuedEvent, bool) {
	if len(c.queue) == 0 {
		return queuedEvent{}, false
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next, true
}

// SubmitEvent processes an inbound event and its cascade. An inbound
// stage_changed carrying a target stage is a move request; without one it
// only evaluates rules.
func (e *Engine) SubmitEvent(ctx context.Context, cfg domain.Configuration, ev domain.Event) (Result, error) {
	if !ev.Type.Valid() {
		return Result{}, apperr.Validation(fmt.Sprintf("unknown event type %q", ev.Type)).WithOp("SubmitEvent")
	}
	if ev.OpportunityID == uuid.Nil {
		return Result{}, apperr.Validation("opportunityId is required").WithOp("SubmitEvent")
	}
	if ev.ID == uuid.Nil {
		ev = domain.NewEvent(ev.Type, ev.TenantID, ev.OpportunityID, ev.Actor, ev.Payload, e.now())
	}
	if ev.TenantID == uuid.Nil {
		ev.TenantID = cfg.TenantID
	}
	if ev.TenantID != cfg.TenantID {
		return Result{}, apperr.Forbidden("event tenant does not own this pipeline").WithOp("SubmitEvent")
	}

	ctx, span := e.tracer.Start(ctx, "automation.SubmitEvent", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("opportunity.id", ev.OpportunityID.String()),
	))
	defer span.End()
	started := time.Now()
	defer func() { e.metrics.observeEvent(string(ev.Type), time.Since(started).Seconds()) }()

	unlock, err := e.locker.Lock(ctx, lockKey(ev.OpportunityID))
	if err != nil {
		return Result{}, fmt.Errorf("lock opportunity: %w", err)
	}
	defer unlock()

	c := newChain(&cfg, ev.ID)
	if ev.Type == domain.TriggerStageChanged && ev.Payload.ToStageID != nil {
		target, ok := cfg.StageByID(*ev.Payload.ToStageID)
		if !ok {
			return Result{}, apperr.InvalidOperation("target stage does not exist in this pipeline").WithOp("SubmitEvent")
		}
		if err := e.manualMove(ctx, c, ev, target); err != nil {
			recordSpanError(span, err)
			return c.result, err
		}
	} else {
		c.push(ev, 0)
	}

	err = e.drain(ctx, c)
	recordSpanError(span, err)
	return c.result, err
}

// MoveStage is a manual move requested by actor.
func (e *Engine) MoveStage(ctx context.Context, cfg domain.Configuration, opportunityID uuid.UUID, to domain.Stage, actor, reason string) (Result, error) {
	toID := to.ID
	if toID == uuid.Nil {
		resolved, ok := cfg.ResolveStage(uuid.Nil, to.Name)
		if !ok {
			return Result{}, apperr.InvalidOperation("target stage does not exist in this pipeline").WithOp("MoveStage")
		}
		toID = resolved.ID
	}
	ev := domain.NewEvent(domain.TriggerStageChanged, cfg.TenantID, opportunityID, actor,
		domain.EventPayload{ToStageID: &toID, Reason: reason}, e.now())
	return e.SubmitEvent(ctx, cfg, ev)
}

// CreateOpportunity stores a new opportunity in the initial stage (or the
// stage it names), records the creation entry and raises deal_created.
func (e *Engine) CreateOpportunity(ctx context.Context, cfg domain.Configuration, opp domain.Opportunity, actor string) (domain.Opportunity, Result, error) {
	now := e.now()
	if opp.ID == uuid.Nil {
		opp.ID = uuid.New()
	}
	opp.TenantID = cfg.TenantID
	opp.PipelineID = cfg.ID
	if opp.StageID == uuid.Nil {
		initial, ok := cfg.InitialStage()
		if !ok {
			return domain.Opportunity{}, Result{}, apperr.InvalidOperation("pipeline has no stages").WithOp("CreateOpportunity")
		}
		opp.StageID = initial.ID
	} else if _, ok := cfg.StageByID(opp.StageID); !ok {
		return domain.Opportunity{}, Result{}, apperr.InvalidOperation("stage does not exist in this pipeline").WithOp("CreateOpportunity")
	}
	if strings.TrimSpace(opp.Name) == "" {
		return domain.Opportunity{}, Result{}, apperr.Validation("name is required").WithOp("CreateOpportunity")
	}
	if opp.Value < 0 {
		return domain.Opportunity{}, Result{}, apperr.Validation("value must not be negative").WithOp("CreateOpportunity")
	}
	if opp.Probability < 0 || opp.Probability > 100 {
		return domain.Opportunity{}, Result{}, apperr.Validation("probability must be in 0..100").WithOp("CreateOpportunity")
	}
	if opp.Priority == "" {
		opp.Priority = "medium"
	}
	opp.StageEnteredAt = now
	opp.CreatedAt = now
	opp.UpdatedAt = now
	if actor == "" {
		actor = domain.ActorSystem
	}

	unlock, err := e.locker.Lock(ctx, lockKey(opp.ID))
	if err != nil {
		return domain.Opportunity{}, Result{}, fmt.Errorf("lock opportunity: %w", err)
	}
	defer unlock()

	if err := e.store.CreateOpportunity(ctx, opp); err != nil {
		return domain.Opportunity{}, Result{}, err
	}
	entry := domain.NewCreationMovement(opp, actor, now)
	if err := e.store.AppendMovement(ctx, entry); err != nil {
		return domain.Opportunity{}, Result{}, err
	}

	ev := domain.NewEvent(domain.TriggerDealCreated, cfg.TenantID, opp.ID, actor, domain.EventPayload{}, now)
	c := newChain(&cfg, ev.ID)
	c.result.Movements = append(c.result.Movements, entry)
	e.announceMovement(ctx, &cfg, entry)
	c.push(ev, 0)
	err = e.drain(ctx, c)

	current, getErr := e.store.GetOpportunity(ctx, cfg.TenantID, opp.ID)
	if getErr != nil {
		current = opp
	}
	return current, c.result, err
}

// UpdateFields applies typed writes to an opportunity and raises
// value_changed or field_changed for every field that actually changed. The
// writes are all-or-nothing.
func (e *Engine) UpdateFields(ctx context.Context, cfg domain.Configuration, opportunityID uuid.UUID, changes map[string]any, actor string) (domain.Opportunity, Result, error) {
	if len(changes) == 0 {
		return domain.Opportunity{}, Result{}, apperr.Validation("no fields to update").WithOp("UpdateFields")
	}
	unlock, err := e.locker.Lock(ctx, lockKey(opportunityID))
	if err != nil {
		return domain.Opportunity{}, Result{}, fmt.Errorf("lock opportunity: %w", err)
	}
	defer unlock()

	opp, err := e.loadOpportunity(ctx, &cfg, opportunityID)
	if err != nil {
		return domain.Opportunity{}, Result{}, err
	}

	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	updated := cloneOpportunity(opp)
	applied := make([]domain.FieldChange, 0, len(fields))
	for _, field := range fields {
		change, err := domain.ApplyFieldWrite(&updated, &cfg, field, changes[field])
		if err != nil {
			return opp, Result{}, err
		}
		applied = append(applied, change)
	}
	if err := e.store.UpdateOpportunityFields(ctx, updated); err != nil {
		return opp, Result{}, err
	}

	now := e.now()
	c := newChain(&cfg, uuid.New())
	for _, change := range applied {
		if ev, ok := changeEvent(cfg.TenantID, opportunityID, actor, change, now); ok {
			c.push(ev, 0)
		}
	}
	err = e.drain(ctx, c)

	current, getErr := e.store.GetOpportunity(ctx, cfg.TenantID, opportunityID)
	if getErr != nil {
		current = updated
	}
	return current, c.result, err
}

// drain processes the chain's queue until it is empty or the cascade limit
// stops it.
func (e *Engine) drain(ctx context.Context, c *chain) error {
	for {
		item, ok := c.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.result.EventsHandled++
		if err := e.evaluate(ctx, c, item); err != nil {
			if apperr.Is(err, apperr.KindCascadeLimit) {
				e.log.CascadeAborted(item.event.OpportunityID.String(), e.cascadeLimit)
				e.metrics.cascadeAborted()
			}
			return err
		}
	}
}

// evaluate runs the eligible rules of the opportunity's current stage for one
// event. Rules run in stage order; once an action moves the opportunity out
// of the stage, the remaining rules of that stage are skipped and the
// follow-up stage_changed event evaluates the new stage.
func (e *Engine) evaluate(ctx context.Context, c *chain, item queuedEvent) error {
	opp, err := e.loadOpportunity(ctx, c.cfg, item.event.OpportunityID)
	if err != nil {
		return err
	}
	stage, ok := c.cfg.StageByID(opp.StageID)
	if !ok {
		return nil
	}

	for _, rule := range stage.Rules {
		if opp.StageID != stage.ID {
			break
		}
		if !eligible(rule, item.event) {
			continue
		}
		view := domain.FieldView{Opportunity: opp, Config: c.cfg, Now: e.now()}
		if !domain.EvaluateConditions(rule.Conditions, view) {
			continue
		}

		run := e.runActions(ctx, c, rule, &opp, item, 0, 0, false)
		if err := e.finishExecution(ctx, c, rule, opp.ID, item.event.Type, run.actionsRun, run); err != nil {
			return err
		}
		if run.err != nil && apperr.Is(run.err, apperr.KindCascadeLimit) {
			return run.err
		}
		if run.fatal != nil {
			return run.fatal
		}
	}
	return nil
}

// actionRun is the outcome of running (part of) one rule's action list.
type actionRun struct {
	actionsRun int
	deferred   bool
	// err aborted the rule; it is reported on the execution.
	err error
	// fatal aborts the whole chain (storage failures).
	fatal error
}

// runActions executes rule.Actions starting at from. resuming is true for a
// deferred tail, whose first action's delay has already elapsed; base counts
// the actions that ran before the tail was deferred.
func (e *Engine) runActions(ctx context.Context, c *chain, rule domain.Rule, opp *domain.Opportunity, item queuedEvent, from, base int, resuming bool) actionRun {
	e.markExecuting(rule.ID, true)
	defer e.markExecuting(rule.ID, false)

	var run actionRun
	for i := from; i < len(rule.Actions); i++ {
		action := rule.Actions[i]
		if action.DelayMinutes > 0 && !(resuming && i == from) {
			if err := e.deferTail(ctx, c, rule, *opp, action, i, base+run.actionsRun); err != nil {
				run.fatal = err
				return run
			}
			run.deferred = true
			return run
		}

		if err := e.apply(ctx, c, rule, action, opp, item, resuming); err != nil {
			if isStructural(err) {
				run.err = err
			} else {
				run.fatal = err
			}
			return run
		}
		run.actionsRun++
	}
	return run
}

// isStructural reports whether err only aborts the current rule.
func isStructural(err error) bool {
	switch apperr.GetKind(err) {
	case apperr.KindValidation, apperr.KindInvalidOperation, apperr.KindCascadeLimit, apperr.KindConflict:
		return true
	}
	return false
}

func (e *Engine) deferTail(ctx context.Context, c *chain, rule domain.Rule, opp domain.Opportunity, action domain.Action, index, actionsRun int) error {
	now := e.now()
	d := domain.NewDeferredAction(*c.cfg, rule, opp, now.Add(action.Delay()), index, actionsRun, c.origin, now)
	inserted, err := e.store.InsertDeferred(ctx, d)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	c.result.Deferred = append(c.result.Deferred, d)
	e.metrics.deferred("scheduled")
	if e.scheduler != nil {
		if err := e.scheduler.ScheduleDeferred(ctx, d); err != nil {
			// The polling fallback still picks the item up.
			e.log.Warn("deferred action not scheduled", "deferred_id", d.ID, "error", err)
		}
	}
	return nil
}

// finishExecution records the execution in the result, the logs and, when at
// least one action ran and the rule is not waiting on a deferred tail, the
// rule's bookkeeping.
func (e *Engine) finishExecution(ctx context.Context, c *chain, rule domain.Rule, oppID uuid.UUID, trigger domain.TriggerType, totalRun int, run actionRun) error {
	exec := RuleExecution{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		OpportunityID: oppID,
		Trigger:       string(trigger),
		ActionsRun:    run.actionsRun,
		Deferred:      run.deferred,
	}
	outcome := "completed"
	reportErr := run.err
	if reportErr == nil {
		reportErr = run.fatal
	}
	if reportErr != nil {
		exec.Error = reportErr.Error()
		outcome = apperr.GetKind(reportErr).String()
	} else if run.deferred {
		outcome = "deferred"
	}
	c.result.Executions = append(c.result.Executions, exec)
	e.metrics.ruleExecuted(outcome)
	e.log.RuleExecuted(rule.ID.String(), oppID.String(), run.actionsRun, run.deferred, reportErr)

	if run.deferred || totalRun == 0 {
		return nil
	}
	if err := e.store.RecordRuleExecution(ctx, rule.ID, e.now()); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(ctx, events.RuleExecuted{
			BaseEvent:     events.NewBaseEvent(),
			TenantID:      c.cfg.TenantID,
			PipelineID:    c.cfg.ID,
			RuleID:        rule.ID,
			OpportunityID: oppID,
			ActionsRun:    totalRun,
			Error:         exec.Error,
		})
	}
	return nil
}

// eligible applies the trigger specific checks on top of the type match.
func eligible(rule domain.Rule, ev domain.Event) bool {
	if !rule.IsActive || rule.Trigger.Type != ev.Type {
		return false
	}
	switch ev.Type {
	case domain.TriggerValueChanged:
		return ev.Payload.ValuesDiffer()
	case domain.TriggerFieldChanged:
		if field := rule.Trigger.String("field"); field != "" && !strings.EqualFold(field, ev.Payload.Field) {
			return false
		}
		return ev.Payload.ValuesDiffer()
	case domain.TriggerManual, domain.TriggerDateReached:
		return ev.Payload.RuleID != nil && *ev.Payload.RuleID == rule.ID
	case domain.TriggerStageChanged:
		if to := rule.Trigger.String("toStageId"); to != "" && (ev.Payload.ToStageID == nil || ev.Payload.ToStageID.String() != to) {
			return false
		}
	}
	return true
}

func changeEvent(tenantID, oppID uuid.UUID, actor string, change domain.FieldChange, now time.Time) (domain.Event, bool) {
	if change.OldValue.Equal(change.NewValue) {
		return domain.Event{}, false
	}
	kind := domain.TriggerFieldChanged
	if change.Field == string(domain.FieldValue) {
		kind = domain.TriggerValueChanged
	}
	return domain.NewEvent(kind, tenantID, oppID, actor, domain.EventPayload{
		Field:    change.Field,
		OldValue: change.OldValue.Raw(),
		NewValue: change.NewValue.Raw(),
	}, now), true
}

func (e *Engine) loadOpportunity(ctx context.Context, cfg *domain.Configuration, id uuid.UUID) (domain.Opportunity, error) {
	opp, err := e.store.GetOpportunity(ctx, cfg.TenantID, id)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if opp.PipelineID != cfg.ID {
		return domain.Opportunity{}, apperr.InvalidOperation("opportunity belongs to another pipeline")
	}
	return opp, nil
}

func (e *Engine) markExecuting(ruleID uuid.UUID, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.executing[ruleID]++
		return
	}
	if e.executing[ruleID] <= 1 {
		delete(e.executing, ruleID)
		return
	}
	e.executing[ruleID]--
}

func (e *Engine) isExecuting(ruleID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing[ruleID] > 0
}

func lockKey(opportunityID uuid.UUID) string {
	return "opportunity:" + opportunityID.String()
}

func cloneOpportunity(o domain.Opportunity) domain.Opportunity {
	out := o
	if o.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(o.CustomFields))
		for k, v := range o.CustomFields {
			out.CustomFields[k] = v
		}
	}
	if o.ExpectedCloseDate != nil {
		t := *o.ExpectedCloseDate
		out.ExpectedCloseDate = &t
	}
	return out
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
