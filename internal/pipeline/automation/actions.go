package automation

import (
	"context"
	"fmt"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// apply executes one action against opp, updating it in place.
func (e *Engine) apply(ctx context.Context, c *chain, rule domain.Rule, action domain.Action, opp *domain.Opportunity, item queuedEvent, resuming bool) error {
	switch action.Type {
	case domain.ActionMoveStage:
		return e.applyMove(ctx, c, rule, action, opp, item, resuming)
	case domain.ActionUpdateField:
		field := action.String("field")
		if field == string(domain.FieldStage) {
			return apperr.Validation("stage can only change through move_stage").WithOp("update_field")
		}
		return e.applyFieldWrite(ctx, c, opp, field, action.Config["value"], item)
	case domain.ActionUpdateProbability:
		p, ok := action.Float("probability")
		if !ok {
			return apperr.Validation("probability must be a number").WithOp("update_probability")
		}
		return e.applyFieldWrite(ctx, c, opp, string(domain.FieldProbability), p, item)
	case domain.ActionCreateTask, domain.ActionSendEmail, domain.ActionNotifyUser, domain.ActionWebhook:
		e.applySideEffect(ctx, c, rule, action, *opp)
		return nil
	default:
		return apperr.InvalidOperation(fmt.Sprintf("unknown action type %q", action.Type))
	}
}

func (e *Engine) applyMove(ctx context.Context, c *chain, rule domain.Rule, action domain.Action, opp *domain.Opportunity, item queuedEvent, resuming bool) error {
	target, ok := c.cfg.ResolveStage(action.UUID("stageId"), action.String("stageName"))
	if !ok {
		return apperr.InvalidOperation("move_stage target does not exist in this pipeline").WithOp("move_stage")
	}
	if opp.StageID == target.ID {
		return nil
	}
	if resuming {
		// A deferred move never drags an opportunity back from a stage it has
		// already passed.
		if pos, ok := c.cfg.PositionOf(opp.StageID); ok && pos > target.Position {
			return nil
		}
	}
	if c.moves >= e.cascadeLimit {
		return apperr.CascadeLimitExceeded(e.cascadeLimit).WithOp("move_stage")
	}

	ruleID := rule.ID
	reason := "rule: " + rule.Name
	m, err := e.commitMove(ctx, c, opp, target, domain.ActorSystem, reason, &ruleID)
	if err != nil {
		return err
	}
	c.moves++
	c.push(domain.NewEvent(domain.TriggerStageChanged, c.cfg.TenantID, opp.ID, domain.ActorSystem, domain.EventPayload{
		FromStageID: m.FromStageID,
		ToStageID:   &m.ToStageID,
		RuleID:      &ruleID,
		Reason:      reason,
	}, m.OccurredAt), item.depth+1)
	return nil
}

func (e *Engine) applyFieldWrite(ctx context.Context, c *chain, opp *domain.Opportunity, field string, raw any, item queuedEvent) error {
	updated := cloneOpportunity(*opp)
	change, err := domain.ApplyFieldWrite(&updated, c.cfg, field, raw)
	if err != nil {
		return err
	}
	if err := e.store.UpdateOpportunityFields(ctx, updated); err != nil {
		return err
	}
	*opp = updated

	ev, ok := changeEvent(c.cfg.TenantID, opp.ID, domain.ActorSystem, change, e.now())
	if !ok {
		return nil
	}
	if item.depth+1 > e.cascadeLimit {
		e.log.Warn("follow-up event dropped at cascade depth",
			"opportunity_id", opp.ID, "field", field, "depth", item.depth+1)
		return nil
	}
	c.push(ev, item.depth+1)
	return nil
}

// applySideEffect hands a dispatch request off. Failures are logged and never
// stop the rule.
func (e *Engine) applySideEffect(ctx context.Context, c *chain, rule domain.Rule, action domain.Action, opp domain.Opportunity) {
	stageName := ""
	if stage, ok := c.cfg.StageByID(opp.StageID); ok {
		stageName = stage.Name
	}
	req, ok := domain.NewDispatchRequest(action, rule, opp, stageName, e.now())
	if !ok {
		return
	}
	if e.dispatcher == nil {
		err := apperr.Dispatch("no dispatcher configured", nil)
		e.log.DispatchFailed(string(req.Kind), req.Target, err)
		e.metrics.dispatchFailed(string(req.Kind))
		c.result.DispatchErrors++
		return
	}
	if err := e.dispatcher.Dispatch(ctx, req); err != nil {
		e.log.DispatchFailed(string(req.Kind), req.Target, err)
		e.metrics.dispatchFailed(string(req.Kind))
		c.result.DispatchErrors++
		return
	}
	c.result.Dispatched = append(c.result.Dispatched, req)
}

// manualMove handles an inbound move request. Moving to the current stage is
// a no-op: no ledger entry and no rule evaluation.
func (e *Engine) manualMove(ctx context.Context, c *chain, ev domain.Event, target domain.Stage) error {
	opp, err := e.loadOpportunity(ctx, c.cfg, ev.OpportunityID)
	if err != nil {
		return err
	}
	if opp.StageID == target.ID {
		return nil
	}
	reason := ev.Payload.Reason
	if reason == "" {
		reason = "manual move"
	}
	m, err := e.commitMove(ctx, c, &opp, target, ev.Actor, reason, nil)
	if err != nil {
		return err
	}
	c.push(domain.NewEvent(domain.TriggerStageChanged, c.cfg.TenantID, opp.ID, ev.Actor, domain.EventPayload{
		FromStageID: m.FromStageID,
		ToStageID:   &m.ToStageID,
		Reason:      reason,
	}, m.OccurredAt), 0)
	return nil
}

// commitMove checks exit criteria, appends the movement and updates opp.
func (e *Engine) commitMove(ctx context.Context, c *chain, opp *domain.Opportunity, target domain.Stage, actor, reason string, ruleID *uuid.UUID) (domain.Movement, error) {
	now := e.now()
	current, ok := c.cfg.StageByID(opp.StageID)

	var warnings []string
	if ok && target.Position > current.Position {
		missing := domain.MissingRequiredFields(current, domain.FieldView{Opportunity: *opp, Config: c.cfg, Now: now})
		if len(missing) > 0 {
			if e.exitCriteria == ExitCriteriaStrict {
				return domain.Movement{}, apperr.InvalidOperation(
					fmt.Sprintf("stage %q requires %d field(s) before moving forward", current.Name, len(missing)),
				).WithOp("move").WithDetails(missing)
			}
			for _, field := range missing {
				warnings = append(warnings, fmt.Sprintf("required field %q is empty", field))
			}
		}
	}

	m := domain.NewMovement(*opp, target.ID, actor, reason, now)
	m.Automated = ruleID != nil
	m.RuleID = ruleID
	m.CriteriaWarnings = warnings
	if err := e.store.AppendMovement(ctx, m); err != nil {
		return domain.Movement{}, err
	}

	opp.StageID = target.ID
	opp.StageEnteredAt = m.OccurredAt
	c.result.Movements = append(c.result.Movements, m)
	e.metrics.moved(m.Automated)
	e.announceMovement(ctx, c.cfg, m)
	return m, nil
}

// announceMovement logs the movement and publishes it on the bus.
func (e *Engine) announceMovement(ctx context.Context, cfg *domain.Configuration, m domain.Movement) {
	from := ""
	if m.FromStageID != nil {
		from = m.FromStageID.String()
	}
	ruleID := ""
	if m.RuleID != nil {
		ruleID = m.RuleID.String()
	}
	e.log.MovementRecorded(m.OpportunityID.String(), from, m.ToStageID.String(), m.Automated, ruleID)

	if e.bus == nil {
		return
	}
	toName := ""
	if stage, ok := cfg.StageByID(m.ToStageID); ok {
		toName = stage.Name
	}
	e.bus.Publish(ctx, events.MovementRecorded{
		BaseEvent:     events.NewBaseEvent(),
		MovementID:    m.ID,
		TenantID:      m.TenantID,
		PipelineID:    m.PipelineID,
		OpportunityID: m.OpportunityID,
		FromStageID:   m.FromStageID,
		ToStageID:     m.ToStageID,
		ToStageName:   toName,
		Actor:         m.Actor,
		Automated:     m.Automated,
		RuleID:        m.RuleID,
		Value:         m.ValueSnapshot,
		Warnings:      m.CriteriaWarnings,
		MovedAt:       m.OccurredAt,
	})
}
