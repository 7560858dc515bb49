package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []domain.DispatchRequest
	failKind domain.DispatchKind
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Kind == d.failKind {
		return errors.New("smtp unavailable")
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *recordingDispatcher) kinds() []domain.DispatchKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.DispatchKind
	for _, r := range d.requests {
		out = append(out, r.Kind)
	}
	return out
}

type recordingScheduler struct {
	scheduled []domain.DeferredAction
	cancelled []uuid.UUID
}

func (s *recordingScheduler) ScheduleDeferred(_ context.Context, d domain.DeferredAction) error {
	s.scheduled = append(s.scheduled, d)
	return nil
}

func (s *recordingScheduler) CancelDeferred(_ context.Context, ids []uuid.UUID) error {
	s.cancelled = append(s.cancelled, ids...)
	return nil
}

type harness struct {
	engine     *Engine
	store      *repository.MemoryStore
	clock      *testClock
	dispatcher *recordingDispatcher
	scheduler  *recordingScheduler
	cfg        domain.Configuration
}

func newHarness(t *testing.T, policy ExitCriteriaPolicy, names ...string) *harness {
	t.Helper()
	if len(names) == 0 {
		names = []string{"Lead", "Qualified", "Proposal", "Negotiation", "Won"}
	}
	clock := newTestClock()
	cfg := domain.NewConfiguration(uuid.New(), "Sales", clock.Now())
	for i, name := range names {
		_, err := cfg.AddStage(domain.Stage{Name: name, TargetProbability: i * 20, IsDefault: i == 0}, -1)
		require.NoError(t, err)
	}

	h := &harness{
		store:      repository.NewMemoryStore(),
		clock:      clock,
		dispatcher: &recordingDispatcher{},
		scheduler:  &recordingScheduler{},
		cfg:        cfg,
	}
	h.engine = New(Options{
		Store:        h.store,
		Dispatcher:   h.dispatcher,
		Scheduler:    h.scheduler,
		ExitCriteria: policy,
		Now:          clock.Now,
	})
	return h
}

func (h *harness) stage(t *testing.T, name string) domain.Stage {
	t.Helper()
	s, ok := h.cfg.StageByName(name)
	require.True(t, ok, "stage %s", name)
	return s
}

func (h *harness) addRule(t *testing.T, stageName string, rule domain.Rule) domain.Rule {
	t.Helper()
	rule.IsActive = true
	if rule.Name == "" {
		rule.Name = "rule on " + stageName
	}
	added, err := h.cfg.AddRule(h.stage(t, stageName).ID, rule)
	require.NoError(t, err)
	return added
}

// save persists the configuration; call it after the rules are in place.
func (h *harness) save(t *testing.T) {
	t.Helper()
	require.NoError(t, h.cfg.ValidateGraph())
	require.NoError(t, h.store.SaveConfiguration(context.Background(), h.cfg))
	require.NoError(t, h.store.ActivateConfiguration(context.Background(), h.cfg.TenantID, h.cfg.ID))
}

func (h *harness) create(t *testing.T, stageName string, value float64) domain.Opportunity {
	t.Helper()
	opp, _, err := h.engine.CreateOpportunity(context.Background(), h.cfg, domain.Opportunity{
		Name:    "Acme rollout",
		Value:   value,
		StageID: h.stage(t, stageName).ID,
		OwnerID: "owner-1",
	}, "user-1")
	require.NoError(t, err)
	return opp
}

func (h *harness) opportunity(t *testing.T, id uuid.UUID) domain.Opportunity {
	t.Helper()
	opp, err := h.store.GetOpportunity(context.Background(), h.cfg.TenantID, id)
	require.NoError(t, err)
	return opp
}

func (h *harness) history(t *testing.T, id uuid.UUID) []domain.Movement {
	t.Helper()
	list, err := h.store.History(context.Background(), h.cfg.TenantID, id)
	require.NoError(t, err)
	return list
}

func (h *harness) rule(t *testing.T, id uuid.UUID) domain.Rule {
	t.Helper()
	cfg, err := h.store.GetConfiguration(context.Background(), h.cfg.TenantID, h.cfg.ID)
	require.NoError(t, err)
	rule, _, ok := cfg.FindRule(id)
	require.True(t, ok)
	return rule
}

func moveTo(stageName string) domain.Action {
	return domain.Action{Type: domain.ActionMoveStage, Config: map[string]any{"stageName": stageName}}
}

func onStageChanged() domain.Trigger {
	return domain.Trigger{Type: domain.TriggerStageChanged}
}

func TestCascadeLimitBoundsPingPongRules(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory, "A", "B")
	h.addRule(t, "A", domain.Rule{Trigger: onStageChanged(), Actions: []domain.Action{moveTo("B")}})
	h.addRule(t, "B", domain.Rule{Trigger: onStageChanged(), Actions: []domain.Action{moveTo("A")}})
	h.save(t)
	opp := h.create(t, "A", 1000)

	res, err := h.engine.MoveStage(context.Background(), h.cfg, opp.ID, h.stage(t, "B"), "user-1", "")

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCascadeLimit))

	automated := 0
	history := h.history(t, opp.ID)
	for _, m := range history {
		if m.Automated {
			automated++
		}
	}
	assert.Equal(t, 5, automated)
	assert.Len(t, res.Movements, 6, "one manual move plus five automated moves")
	require.NoError(t, domain.VerifyChain(history))
	assert.Equal(t, history[len(history)-1].ToStageID, h.opportunity(t, opp.ID).StageID)
}

func TestStageChangedToCurrentStageIsNoOp(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	rule := h.addRule(t, "Lead", domain.Rule{
		Trigger: onStageChanged(),
		Actions: []domain.Action{{Type: domain.ActionNotifyUser, Config: map[string]any{"userId": "u1", "message": "hi"}}},
	})
	h.save(t)
	opp := h.create(t, "Lead", 1000)

	lead := h.stage(t, "Lead").ID
	ev := domain.NewEvent(domain.TriggerStageChanged, h.cfg.TenantID, opp.ID, "user-1",
		domain.EventPayload{ToStageID: &lead}, h.clock.Now())
	res, err := h.engine.SubmitEvent(context.Background(), h.cfg, ev)

	require.NoError(t, err)
	assert.Empty(t, res.Movements)
	assert.Empty(t, res.Executions)
	assert.Len(t, h.history(t, opp.ID), 1)
	assert.Empty(t, h.dispatcher.kinds())
	assert.Zero(t, h.rule(t, rule.ID).ExecutionCount)
}

func TestStageChangedWithoutTargetOnlyEvaluatesRules(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.addRule(t, "Lead", domain.Rule{
		Trigger: onStageChanged(),
		Actions: []domain.Action{{Type: domain.ActionNotifyUser, Config: map[string]any{"userId": "u1", "message": "hi"}}},
	})
	h.save(t)
	opp := h.create(t, "Lead", 1000)

	ev := domain.NewEvent(domain.TriggerStageChanged, h.cfg.TenantID, opp.ID, "user-1", domain.EventPayload{}, h.clock.Now())
	res, err := h.engine.SubmitEvent(context.Background(), h.cfg, ev)

	require.NoError(t, err)
	assert.Empty(t, res.Movements)
	assert.Equal(t, []domain.DispatchKind{domain.DispatchNotification}, h.dispatcher.kinds())
}

func TestValueChangedAboveThresholdMovesToProposal(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	rule := h.addRule(t, "Qualified", domain.Rule{
		Name:       "Large deals go to proposal",
		Trigger:    domain.Trigger{Type: domain.TriggerValueChanged},
		Conditions: []domain.Condition{{Field: "value", Operator: domain.OpGreaterThan, Value: "100000"}},
		Actions:    []domain.Action{moveTo("Proposal")},
	})
	h.save(t)
	opp := h.create(t, "Qualified", 50000)

	_, res, err := h.engine.UpdateFields(context.Background(), h.cfg, opp.ID, map[string]any{"value": 150000.0}, "user-1")

	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	moved := res.Movements[0]
	assert.True(t, moved.Automated)
	require.NotNil(t, moved.RuleID)
	assert.Equal(t, rule.ID, *moved.RuleID)
	assert.Equal(t, domain.ActorSystem, moved.Actor)
	assert.Equal(t, h.stage(t, "Proposal").ID, h.opportunity(t, opp.ID).StageID)
	assert.Equal(t, int64(1), h.rule(t, rule.ID).ExecutionCount)
}

func TestValueChangedWithEqualValuesDoesNotFire(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.addRule(t, "Qualified", domain.Rule{
		Trigger:    domain.Trigger{Type: domain.TriggerValueChanged},
		Conditions: []domain.Condition{{Field: "value", Operator: domain.OpGreaterThan, Value: "100000"}},
		Actions:    []domain.Action{moveTo("Proposal")},
	})
	h.save(t)
	opp := h.create(t, "Qualified", 150000)

	ev := domain.NewEvent(domain.TriggerValueChanged, h.cfg.TenantID, opp.ID, "user-1",
		domain.EventPayload{Field: "value", OldValue: 150000.0, NewValue: 150000.0}, h.clock.Now())
	res, err := h.engine.SubmitEvent(context.Background(), h.cfg, ev)

	require.NoError(t, err)
	assert.Empty(t, res.Movements)
	assert.Equal(t, h.stage(t, "Qualified").ID, h.opportunity(t, opp.ID).StageID)
}

func TestValidationErrorSkipsRestOfRuleOnly(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	broken := h.addRule(t, "Lead", domain.Rule{
		Name:    "broken write",
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{
			{Type: domain.ActionUpdateField, Config: map[string]any{"field": "probability", "value": "very likely"}},
			{Type: domain.ActionSendEmail, Config: map[string]any{"to": "ops@example.com", "subject": "new deal"}},
		},
	})
	h.addRule(t, "Lead", domain.Rule{
		Name:    "notify owner",
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{{Type: domain.ActionNotifyUser, Config: map[string]any{"userId": "u1", "message": "new deal"}}},
	})
	h.save(t)

	_, res, err := h.engine.CreateOpportunity(context.Background(), h.cfg, domain.Opportunity{Name: "Beta", Value: 10}, "user-1")

	require.NoError(t, err)
	require.Len(t, res.Executions, 2)
	assert.Equal(t, broken.ID, res.Executions[0].RuleID)
	assert.NotEmpty(t, res.Executions[0].Error)
	assert.Zero(t, res.Executions[0].ActionsRun)
	assert.Empty(t, res.Executions[1].Error)
	assert.Equal(t, []domain.DispatchKind{domain.DispatchNotification}, h.dispatcher.kinds())
	assert.Zero(t, h.rule(t, broken.ID).ExecutionCount)
}

func TestDispatchFailureDoesNotStopRule(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.dispatcher.failKind = domain.DispatchEmail
	h.addRule(t, "Lead", domain.Rule{
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{
			{Type: domain.ActionSendEmail, Config: map[string]any{"to": "ops@example.com", "subject": "new deal"}},
			{Type: domain.ActionUpdateProbability, Config: map[string]any{"probability": 35}},
		},
	})
	h.save(t)

	opp, res, err := h.engine.CreateOpportunity(context.Background(), h.cfg, domain.Opportunity{Name: "Gamma", Value: 10}, "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, res.DispatchErrors)
	assert.Equal(t, 35, opp.Probability)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, 2, res.Executions[0].ActionsRun)
	assert.Empty(t, res.Executions[0].Error)
}

func TestMoveToUnknownStageAbortsRule(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.addRule(t, "Lead", domain.Rule{
		Trigger: domain.Trigger{Type: domain.TriggerDealCreated},
		Actions: []domain.Action{moveTo("Qualified")},
	})
	h.save(t)
	// The stage disappears after the rule was saved.
	_, err := h.cfg.RemoveStage(h.stage(t, "Qualified").ID)
	require.NoError(t, err)

	opp, res, err := h.engine.CreateOpportunity(context.Background(), h.cfg, domain.Opportunity{Name: "Delta", Value: 10}, "user-1")

	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Contains(t, res.Executions[0].Error, "does not exist")
	assert.Len(t, h.history(t, opp.ID), 1)
}

func TestStrictExitCriteriaBlocksForwardMove(t *testing.T) {
	h := newHarness(t, ExitCriteriaStrict)
	_, err := h.cfg.UpdateStage(h.stage(t, "Qualified").ID, domain.StagePatch{RequiredFields: &[]string{"source"}})
	require.NoError(t, err)
	h.save(t)
	opp := h.create(t, "Qualified", 100)

	_, err = h.engine.MoveStage(context.Background(), h.cfg, opp.ID, h.stage(t, "Proposal"), "user-1", "")

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	assert.Len(t, h.history(t, opp.ID), 1)

	// Backward moves skip the check.
	res, err := h.engine.MoveStage(context.Background(), h.cfg, opp.ID, h.stage(t, "Lead"), "user-1", "")
	require.NoError(t, err)
	assert.Len(t, res.Movements, 1)
}

func TestAdvisoryExitCriteriaRecordsWarnings(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	_, err := h.cfg.UpdateStage(h.stage(t, "Lead").ID, domain.StagePatch{RequiredFields: &[]string{"source"}})
	require.NoError(t, err)
	h.save(t)
	opp := h.create(t, "Lead", 100)

	res, err := h.engine.MoveStage(context.Background(), h.cfg, opp.ID, h.stage(t, "Qualified"), "user-1", "qualified on call")

	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.Len(t, res.Movements[0].CriteriaWarnings, 1)
	assert.Equal(t, "qualified on call", res.Movements[0].Reason)
	assert.False(t, res.Movements[0].Automated)
}

func TestFieldChangedRespectsConfiguredField(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.addRule(t, "Lead", domain.Rule{
		Trigger: domain.Trigger{Type: domain.TriggerFieldChanged, Config: map[string]any{"field": "priority"}},
		Conditions: []domain.Condition{
			{Field: "priority", Operator: domain.OpEquals, Value: "urgent"},
		},
		Actions: []domain.Action{moveTo("Qualified")},
	})
	h.save(t)
	opp := h.create(t, "Lead", 100)

	_, res, err := h.engine.UpdateFields(context.Background(), h.cfg, opp.ID, map[string]any{"source": "referral"}, "user-1")
	require.NoError(t, err)
	assert.Empty(t, res.Movements)

	_, res, err = h.engine.UpdateFields(context.Background(), h.cfg, opp.ID, map[string]any{"priority": "urgent"}, "user-1")
	require.NoError(t, err)
	assert.Len(t, res.Movements, 1)
}

func TestUpdateFieldsRejectsTypeMismatchWithoutWriting(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.save(t)
	opp := h.create(t, "Lead", 100)

	_, _, err := h.engine.UpdateFields(context.Background(), h.cfg, opp.ID, map[string]any{
		"source": "referral",
		"value":  "lots",
	}, "user-1")

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, h.opportunity(t, opp.ID).Source)
}

func TestManualTriggerRunsOnlyNamedRule(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	first := h.addRule(t, "Lead", domain.Rule{
		Name:    "first",
		Trigger: domain.Trigger{Type: domain.TriggerManual},
		Actions: []domain.Action{{Type: domain.ActionNotifyUser, Config: map[string]any{"userId": "u1", "message": "one"}}},
	})
	h.addRule(t, "Lead", domain.Rule{
		Name:    "second",
		Trigger: domain.Trigger{Type: domain.TriggerManual},
		Actions: []domain.Action{{Type: domain.ActionWebhook, Config: map[string]any{"url": "https://hooks.example.com/x"}}},
	})
	h.save(t)
	opp := h.create(t, "Lead", 100)

	ev := domain.NewEvent(domain.TriggerManual, h.cfg.TenantID, opp.ID, "user-1",
		domain.EventPayload{RuleID: &first.ID}, h.clock.Now())
	res, err := h.engine.SubmitEvent(context.Background(), h.cfg, ev)

	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, first.ID, res.Executions[0].RuleID)
	assert.Equal(t, []domain.DispatchKind{domain.DispatchNotification}, h.dispatcher.kinds())
}

func TestSubmitEventRejectsUnknownType(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.save(t)

	_, err := h.engine.SubmitEvent(context.Background(), h.cfg, domain.Event{Type: "deal_exploded", OpportunityID: uuid.New()})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestConcurrentEventsOnOneOpportunityKeepLedgerConsistent(t *testing.T) {
	h := newHarness(t, ExitCriteriaAdvisory)
	h.save(t)
	opp := h.create(t, "Lead", 100)
	targets := []string{"Qualified", "Proposal", "Lead", "Negotiation", "Won", "Qualified"}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.engine.MoveStage(context.Background(), h.cfg, opp.ID, h.stage(t, targets[i%len(targets)]), "user-1", "")
		}(i)
	}
	wg.Wait()

	history := h.history(t, opp.ID)
	require.NoError(t, domain.VerifyChain(history))
	assert.Equal(t, history[len(history)-1].ToStageID, h.opportunity(t, opp.ID).StageID)
}
