package service

import (
	"context"
	"testing"
	"time"

	"pipeline_engine_backend/internal/pipeline/analytics"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/internal/pipeline/transport"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

type cancelRecorder struct {
	cancelled []uuid.UUID
}

func (r *cancelRecorder) ScheduleDeferred(context.Context, domain.DeferredAction) error { return nil }

func (r *cancelRecorder) CancelDeferred(_ context.Context, ids []uuid.UUID) error {
	r.cancelled = append(r.cancelled, ids...)
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, domain.DispatchRequest) error { return nil }

type fixture struct {
	svc       *Service
	store     *repository.MemoryStore
	scheduler *cancelRecorder
	tenant    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return testNow }
	store := repository.NewMemoryStore()
	scheduler := &cancelRecorder{}
	engine := automation.New(automation.Options{
		Store:      store,
		Dispatcher: nopDispatcher{},
		Scheduler:  scheduler,
		Now:        now,
	})
	reports := analytics.NewService(analytics.ServiceOptions{Reader: store, Now: now})

	svc, err := New(store, engine, reports, nil, nil)
	require.NoError(t, err)
	svc.now = now
	return &fixture{svc: svc, store: store, scheduler: scheduler, tenant: uuid.New()}
}

func (f *fixture) createSales(t *testing.T) transport.PipelineResponse {
	t.Helper()
	p, err := f.svc.CreatePipeline(context.Background(), f.tenant, transport.CreatePipelineRequest{
		Name: "Sales",
		Stages: []transport.StageRequest{
			{Name: "Lead", TargetProbability: 10, IsDefault: true},
			{Name: "Qualified", TargetProbability: 40},
			{Name: "Won", TargetProbability: 100},
		},
		Activate: true,
	})
	require.NoError(t, err)
	return p
}

func stageID(t *testing.T, p transport.PipelineResponse, name string) uuid.UUID {
	t.Helper()
	for _, s := range p.Stages {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("stage %s not found", name)
	return uuid.Nil
}

func TestCreatePipelineRejectsInvalidGraph(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePipeline(context.Background(), f.tenant, transport.CreatePipelineRequest{
		Name: "Broken",
		Stages: []transport.StageRequest{
			{Name: "Lead", IsDefault: true},
			{Name: "lead"},
		},
	})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	list, err := f.svc.ListPipelines(context.Background(), f.tenant)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreatePipelineStoresTargets(t *testing.T) {
	f := newFixture(t)
	hours := 72.0
	conversion := 55.0

	p, err := f.svc.CreatePipeline(context.Background(), f.tenant, transport.CreatePipelineRequest{
		Name: "Sales",
		Stages: []transport.StageRequest{
			{Name: "Lead", IsDefault: true, DwellTargetHours: &hours, ConversionTarget: &conversion},
			{Name: "Won", TargetProbability: 100},
		},
	})

	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	require.NotNil(t, p.Stages[0].DwellTargetHours)
	assert.InDelta(t, 72.0, *p.Stages[0].DwellTargetHours, 0.001)
	require.NotNil(t, p.Stages[0].ConversionTarget)
	assert.Equal(t, 55.0, *p.Stages[0].ConversionTarget)
	assert.Nil(t, p.Stages[1].DwellTargetHours)
	assert.False(t, p.IsActive)
}

func TestCreateRuleWithUnknownMoveTargetLeavesPipelineUnchanged(t *testing.T) {
	f := newFixture(t)
	p := f.createSales(t)

	_, err := f.svc.CreateRule(context.Background(), f.tenant, p.ID, stageID(t, p, "Lead"), transport.RuleRequest{
		Name:    "jump",
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{{Type: domain.ActionMoveStage, Config: map[string]any{"stageName": "Executive Review"}}},
	})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	current, err := f.svc.GetPipeline(context.Background(), f.tenant, p.ID)
	require.NoError(t, err)
	assert.Empty(t, current.Stages[0].Rules)
}

func TestRemoveDefaultStageFails(t *testing.T) {
	f := newFixture(t)
	p := f.createSales(t)

	_, err := f.svc.RemoveStage(context.Background(), f.tenant, p.ID, stageID(t, p, "Lead"))

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
}

func TestReorderStagesRenumbers(t *testing.T) {
	f := newFixture(t)
	p := f.createSales(t)

	got, err := f.svc.ReorderStages(context.Background(), f.tenant, p.ID, transport.ReorderStagesRequest{
		StageIDs: []uuid.UUID{stageID(t, p, "Qualified"), stageID(t, p, "Lead"), stageID(t, p, "Won")},
	})

	require.NoError(t, err)
	names := []string{}
	for _, s := range got.Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Qualified", "Lead", "Won"}, names)
	for i, s := range got.Stages {
		assert.Equal(t, i, s.Position)
	}
}

func TestDeactivatingRuleCancelsDeferredActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createSales(t)
	rule, err := f.svc.CreateRule(ctx, f.tenant, p.ID, stageID(t, p, "Lead"), transport.RuleRequest{
		Name:    "remind later",
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{{
			Type:         domain.ActionNotifyUser,
			DelayMinutes: 60,
			Config:       map[string]any{"userId": "u1", "message": "check in"},
		}},
	})
	require.NoError(t, err)

	result, err := f.svc.CreateOpportunity(ctx, f.tenant, "user-1", transport.CreateOpportunityRequest{Name: "Acme", Value: 5000})
	require.NoError(t, err)
	require.Len(t, result.Deferred, 1)
	deferredID := result.Deferred[0].ID

	states, err := f.svc.ListRules(ctx, f.tenant, p.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, string(domain.RuleStateCoolingDown), states[0].State)

	updated, err := f.svc.SetRuleActive(ctx, f.tenant, p.ID, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	d, ok := f.store.Deferred(deferredID)
	require.True(t, ok)
	assert.Equal(t, domain.DeferredCancelled, d.Status)
	assert.Equal(t, []uuid.UUID{deferredID}, f.scheduler.cancelled)
}

func TestCreateOpportunityDefaultsToActivePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createSales(t)

	result, err := f.svc.CreateOpportunity(ctx, f.tenant, "user-1", transport.CreateOpportunityRequest{Name: "Acme", Value: 1200})

	require.NoError(t, err)
	require.NotNil(t, result.Opportunity)
	assert.Equal(t, p.ID, result.Opportunity.PipelineID)
	assert.Equal(t, stageID(t, p, "Lead"), result.Opportunity.StageID)
	assert.Equal(t, defaultPriority, result.Opportunity.Priority)

	history, err := f.svc.ListMovements(ctx, f.tenant, result.Opportunity.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].FromStageID)
}

func TestMoveOpportunityByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createSales(t)
	created, err := f.svc.CreateOpportunity(ctx, f.tenant, "user-1", transport.CreateOpportunityRequest{Name: "Acme"})
	require.NoError(t, err)

	moved, err := f.svc.MoveOpportunity(ctx, f.tenant, created.Opportunity.ID, "user-1", transport.MoveOpportunityRequest{StageName: "qualified", Reason: "call went well"})

	require.NoError(t, err)
	require.Len(t, moved.Movements, 1)
	assert.Equal(t, stageID(t, p, "Qualified"), moved.Opportunity.StageID)
	assert.Equal(t, "call went well", moved.Movements[0].Reason)
}

func TestTemplatesCatalogue(t *testing.T) {
	f := newFixture(t)

	list := f.svc.ListTemplates()

	require.Len(t, list, 2)
	assert.Equal(t, "inbound-leads", list[0].Key)
	assert.Equal(t, "standard-sales", list[1].Key)
	assert.Equal(t, []string{"Lead", "Qualified", "Proposal", "Negotiation", "Won"}, list[1].Stages)
}

func TestCreateFromTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreateFromTemplate(ctx, f.tenant, transport.CreateFromTemplateRequest{Template: "standard-sales", Activate: true})

	require.NoError(t, err)
	assert.Equal(t, "Standard sales pipeline", p.Name)
	assert.True(t, p.IsActive)
	require.Len(t, p.Stages, 5)
	assert.True(t, p.Stages[0].IsDefault)
	assert.Len(t, p.Stages[1].Rules, 1)
	assert.Len(t, p.CustomFields, 2)

	again, err := f.svc.CreateFromTemplate(ctx, f.tenant, transport.CreateFromTemplateRequest{Template: "standard-sales", Name: "Second"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, again.ID)
	assert.NotEqual(t, p.Stages[0].ID, again.Stages[0].ID)

	_, err = f.svc.CreateFromTemplate(ctx, f.tenant, transport.CreateFromTemplateRequest{Template: "missing"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReferralTemplateRuleSkipsTriage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.CreateFromTemplate(ctx, f.tenant, transport.CreateFromTemplateRequest{Template: "inbound-leads", Activate: true})
	require.NoError(t, err)

	result, err := f.svc.CreateOpportunity(ctx, f.tenant, "user-1", transport.CreateOpportunityRequest{Name: "Friend of a friend", Source: "referral"})

	require.NoError(t, err)
	assert.Equal(t, "high", result.Opportunity.Priority)
	require.Len(t, result.Movements, 2, "creation entry plus the automated move")
	assert.True(t, result.Movements[1].Automated)
	assert.Equal(t, stageID(t, p, "Contacted"), result.Opportunity.StageID)
}

func TestAnalyticsRejectsMalformedTimestamps(t *testing.T) {
	f := newFixture(t)
	p := f.createSales(t)

	_, err := f.svc.Analytics(context.Background(), f.tenant, p.ID, transport.AnalyticsQuery{From: "yesterday"})

	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeletePipelineKeepsOtherTenantsApart(t *testing.T) {
	f := newFixture(t)
	p := f.createSales(t)

	err := f.svc.DeletePipeline(context.Background(), uuid.New(), p.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, f.svc.DeletePipeline(context.Background(), f.tenant, p.ID))
	_, err = f.svc.GetPipeline(context.Background(), f.tenant, p.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
