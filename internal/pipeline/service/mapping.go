package service

import (
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/transport"
)

func toPipelineResponse(cfg domain.Configuration) transport.PipelineResponse {
	resp := transport.PipelineResponse{
		ID:           cfg.ID,
		Name:         cfg.Name,
		IsActive:     cfg.IsActive,
		Stages:       make([]transport.StageResponse, 0, len(cfg.Stages)),
		CustomFields: append([]domain.FieldDefinition{}, cfg.CustomFields...),
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
	for _, s := range cfg.OrderedStages() {
		stage := transport.StageResponse{
			ID:                s.ID,
			Name:              s.Name,
			Position:          s.Position,
			TargetProbability: s.TargetProbability,
			RequiredFields:    append([]string{}, s.RequiredFields...),
			IsDefault:         s.IsDefault,
			Rules:             make([]transport.RuleResponse, 0, len(s.Rules)),
		}
		if d, ok := cfg.DwellTarget(s.ID); ok {
			hours := d.Hours()
			stage.DwellTargetHours = &hours
		}
		if v, ok := cfg.ConversionTarget(s.ID); ok {
			stage.ConversionTarget = &v
		}
		for _, r := range s.Rules {
			stage.Rules = append(stage.Rules, toRuleResponse(r))
		}
		resp.Stages = append(resp.Stages, stage)
	}
	return resp
}

func toRuleResponse(r domain.Rule) transport.RuleResponse {
	return transport.RuleResponse{
		ID:             r.ID,
		StageID:        r.StageID,
		Name:           r.Name,
		Trigger:        r.Trigger,
		Conditions:     append([]domain.Condition{}, r.Conditions...),
		Actions:        append([]domain.Action{}, r.Actions...),
		IsActive:       r.IsActive,
		ExecutionCount: r.ExecutionCount,
		LastExecutedAt: r.LastExecutedAt,
	}
}

func toOpportunityResponse(o domain.Opportunity) transport.OpportunityResponse {
	return transport.OpportunityResponse{
		ID:                o.ID,
		PipelineID:        o.PipelineID,
		StageID:           o.StageID,
		Name:              o.Name,
		Value:             o.Value,
		Probability:       o.Probability,
		OwnerID:           o.OwnerID,
		Source:            o.Source,
		Priority:          o.Priority,
		ExpectedCloseDate: o.ExpectedCloseDate,
		CustomFields:      o.CustomFields,
		StageEnteredAt:    o.StageEnteredAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func toMovementResponses(list []domain.Movement) []transport.MovementResponse {
	out := make([]transport.MovementResponse, 0, len(list))
	for _, m := range list {
		out = append(out, transport.MovementResponse{
			ID:               m.ID,
			OpportunityID:    m.OpportunityID,
			FromStageID:      m.FromStageID,
			ToStageID:        m.ToStageID,
			Reason:           m.Reason,
			Actor:            m.Actor,
			Automated:        m.Automated,
			RuleID:           m.RuleID,
			Value:            m.ValueSnapshot,
			Probability:      m.ProbabilitySnapshot,
			CriteriaWarnings: m.CriteriaWarnings,
			OccurredAt:       m.OccurredAt,
		})
	}
	return out
}

func toEventResult(r automation.Result, opp *domain.Opportunity) transport.EventResultResponse {
	resp := transport.EventResultResponse{
		EventID:        r.EventID,
		Movements:      toMovementResponses(r.Movements),
		Executions:     make([]transport.ExecutionResponse, 0, len(r.Executions)),
		Dispatched:     make([]transport.DispatchResponse, 0, len(r.Dispatched)),
		DispatchErrors: r.DispatchErrors,
		Deferred:       make([]transport.DeferredResponse, 0, len(r.Deferred)),
		EventsHandled:  r.EventsHandled,
	}
	if opp != nil {
		o := toOpportunityResponse(*opp)
		resp.Opportunity = &o
	}
	for _, e := range r.Executions {
		resp.Executions = append(resp.Executions, transport.ExecutionResponse(e))
	}
	for _, d := range r.Dispatched {
		resp.Dispatched = append(resp.Dispatched, transport.DispatchResponse{
			ID:     d.ID,
			Kind:   string(d.Kind),
			Target: d.Target,
			RuleID: d.RuleID,
		})
	}
	for _, d := range r.Deferred {
		resp.Deferred = append(resp.Deferred, transport.DeferredResponse{
			ID:          d.ID,
			RuleID:      d.RuleID,
			DueAt:       d.DueAt,
			ResumeIndex: d.ResumeIndex,
		})
	}
	return resp
}
