package service

import (
	"context"
	"strings"
	"time"

	"pipeline_engine_backend/internal/pipeline/analytics"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/transport"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// CreateOpportunity registers an opportunity in a pipeline, defaulting to the
// tenant's active pipeline and its initial stage, and raises deal_created.
func (s *Service) CreateOpportunity(ctx context.Context, tenantID uuid.UUID, actor string, req transport.CreateOpportunityRequest) (transport.EventResultResponse, error) {
	cfg, err := s.pipelineFor(ctx, tenantID, req.PipelineID)
	if err != nil {
		return transport.EventResultResponse{}, err
	}

	opp := domain.Opportunity{
		TenantID:          tenantID,
		PipelineID:        cfg.ID,
		Name:              strings.TrimSpace(req.Name),
		Value:             req.Value,
		Probability:       req.Probability,
		OwnerID:           req.OwnerID,
		Source:            req.Source,
		Priority:          req.Priority,
		ExpectedCloseDate: req.ExpectedCloseDate,
		CustomFields:      req.CustomFields,
	}
	if opp.Priority == "" {
		opp.Priority = defaultPriority
	}
	if req.StageID != nil {
		opp.StageID = *req.StageID
	}

	created, result, err := s.engine.CreateOpportunity(ctx, cfg, opp, actor)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	return toEventResult(result, &created), nil
}

// GetOpportunity returns the current state of an opportunity.
func (s *Service) GetOpportunity(ctx context.Context, tenantID, id uuid.UUID) (transport.OpportunityResponse, error) {
	opp, err := s.store.GetOpportunity(ctx, tenantID, id)
	if err != nil {
		return transport.OpportunityResponse{}, err
	}
	return toOpportunityResponse(opp), nil
}

// SubmitEvent hands an inbound event to the automation engine.
func (s *Service) SubmitEvent(ctx context.Context, tenantID, pipelineID uuid.UUID, actor string, req transport.SubmitEventRequest) (transport.EventResultResponse, error) {
	cfg, err := s.store.GetConfiguration(ctx, tenantID, pipelineID)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	ev := domain.NewEvent(domain.TriggerType(req.Type), tenantID, req.OpportunityID, actor, req.Payload, s.now())
	result, err := s.engine.SubmitEvent(ctx, cfg, ev)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	return s.resultWithOpportunity(ctx, tenantID, req.OpportunityID, result), nil
}

// MoveOpportunity is a manual stage change.
func (s *Service) MoveOpportunity(ctx context.Context, tenantID, opportunityID uuid.UUID, actor string, req transport.MoveOpportunityRequest) (transport.EventResultResponse, error) {
	cfg, err := s.pipelineOf(ctx, tenantID, opportunityID)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	var target domain.Stage
	if req.StageID != nil {
		target.ID = *req.StageID
	}
	target.Name = req.StageName

	result, err := s.engine.MoveStage(ctx, cfg, opportunityID, target, actor, req.Reason)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	return s.resultWithOpportunity(ctx, tenantID, opportunityID, result), nil
}

// UpdateFields writes opportunity fields and raises the matching change events.
func (s *Service) UpdateFields(ctx context.Context, tenantID, opportunityID uuid.UUID, actor string, req transport.UpdateFieldsRequest) (transport.EventResultResponse, error) {
	cfg, err := s.pipelineOf(ctx, tenantID, opportunityID)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	updated, result, err := s.engine.UpdateFields(ctx, cfg, opportunityID, req.Fields, actor)
	if err != nil {
		return transport.EventResultResponse{}, err
	}
	current, err := s.store.GetOpportunity(ctx, tenantID, opportunityID)
	if err != nil {
		current = updated
	}
	return toEventResult(result, &current), nil
}

// ListMovements returns the ledger history of one opportunity.
func (s *Service) ListMovements(ctx context.Context, tenantID, opportunityID uuid.UUID) ([]transport.MovementResponse, error) {
	if _, err := s.store.GetOpportunity(ctx, tenantID, opportunityID); err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, tenantID, opportunityID)
	if err != nil {
		return nil, err
	}
	return toMovementResponses(history), nil
}

// Analytics returns the report of a pipeline for the requested window.
func (s *Service) Analytics(ctx context.Context, tenantID, pipelineID uuid.UUID, query transport.AnalyticsQuery) (analytics.PipelineAnalytics, error) {
	from, err := parseTime(query.From)
	if err != nil {
		return analytics.PipelineAnalytics{}, err
	}
	to, err := parseTime(query.To)
	if err != nil {
		return analytics.PipelineAnalytics{}, err
	}
	period, err := s.analytics.ResolvePeriod(from, to)
	if err != nil {
		return analytics.PipelineAnalytics{}, err
	}
	return s.analytics.Generate(ctx, tenantID, pipelineID, period, query.Fresh)
}

// ArchivedReports lists the archived analytics reports of a pipeline.
func (s *Service) ArchivedReports(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]analytics.ArchivedReport, error) {
	return s.analytics.ArchivedReports(ctx, tenantID, pipelineID)
}

// pipelineFor returns the requested pipeline or the tenant's active one.
func (s *Service) pipelineFor(ctx context.Context, tenantID uuid.UUID, id *uuid.UUID) (domain.Configuration, error) {
	if id != nil {
		return s.store.GetConfiguration(ctx, tenantID, *id)
	}
	return s.store.GetActiveConfiguration(ctx, tenantID)
}

func (s *Service) pipelineOf(ctx context.Context, tenantID, opportunityID uuid.UUID) (domain.Configuration, error) {
	opp, err := s.store.GetOpportunity(ctx, tenantID, opportunityID)
	if err != nil {
		return domain.Configuration{}, err
	}
	return s.store.GetConfiguration(ctx, tenantID, opp.PipelineID)
}

func (s *Service) resultWithOpportunity(ctx context.Context, tenantID, opportunityID uuid.UUID, result automation.Result) transport.EventResultResponse {
	opp, err := s.store.GetOpportunity(ctx, tenantID, opportunityID)
	if err != nil {
		return toEventResult(result, nil)
	}
	return toEventResult(result, &opp)
}

func parseTime(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation("timestamps must be RFC 3339").WithOp("parseTime")
	}
	return &t, nil
}
