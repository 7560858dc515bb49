package domain

import (
	"math/rand"
	"testing"
	"time"

	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, names ...string) Configuration {
	t.Helper()
	cfg := NewConfiguration(uuid.New(), "Sales", time.Now())
	for i, name := range names {
		_, err := cfg.AddStage(Stage{Name: name, TargetProbability: i * 20, IsDefault: i == 0}, -1)
		require.NoError(t, err)
	}
	return cfg
}

func requireContiguous(t *testing.T, cfg Configuration) {
	t.Helper()
	seen := make(map[int]bool)
	for _, s := range cfg.Stages {
		require.False(t, seen[s.Position], "duplicate position %d", s.Position)
		seen[s.Position] = true
	}
	for i := 0; i < len(cfg.Stages); i++ {
		require.True(t, seen[i], "missing position %d", i)
	}
}

func stageNames(cfg Configuration) []string {
	var out []string
	for _, s := range cfg.OrderedStages() {
		out = append(out, s.Name)
	}
	return out
}

func TestAddStageInsertsAndRenumbers(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified", "Won")

	_, err := cfg.AddStage(Stage{Name: "Proposal"}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"Lead", "Qualified", "Proposal", "Won"}, stageNames(cfg))
	requireContiguous(t, cfg)
}

func TestAddStageOutOfRangeAppends(t *testing.T) {
	cfg := newTestConfig(t, "Lead")
	_, err := cfg.AddStage(Stage{Name: "Won"}, 99)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lead", "Won"}, stageNames(cfg))
}

func TestRemoveDefaultStageIsInvalidOperation(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	lead, _ := cfg.StageByName("Lead")

	_, err := cfg.RemoveStage(lead.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	assert.Len(t, cfg.Stages, 2)
}

func TestRemoveStageDropsTargets(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified", "Won")
	qualified, _ := cfg.StageByName("Qualified")
	cfg.DwellTargets[qualified.ID] = 7 * 24 * time.Hour
	cfg.ConversionTargets[qualified.ID] = 50

	_, err := cfg.RemoveStage(qualified.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"Lead", "Won"}, stageNames(cfg))
	assert.NotContains(t, cfg.DwellTargets, qualified.ID)
	assert.NotContains(t, cfg.ConversionTargets, qualified.ID)
	requireContiguous(t, cfg)
}

func TestReorderStagesRequiresPermutation(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified", "Won")
	ordered := cfg.OrderedStages()

	err := cfg.ReorderStages([]uuid.UUID{ordered[0].ID, ordered[0].ID, ordered[2].ID})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = cfg.ReorderStages([]uuid.UUID{ordered[0].ID})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, cfg.ReorderStages([]uuid.UUID{ordered[2].ID, ordered[0].ID, ordered[1].ID}))
	assert.Equal(t, []string{"Won", "Lead", "Qualified"}, stageNames(cfg))
}

func TestPositionsStayContiguousUnderRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := newTestConfig(t, "Lead", "Qualified", "Proposal", "Won")

	for i := 0; i < 300; i++ {
		switch rng.Intn(3) {
		case 0:
			_, err := cfg.AddStage(Stage{Name: uuid.NewString()}, rng.Intn(len(cfg.Stages)+2)-1)
			require.NoError(t, err)
		case 1:
			victim := cfg.Stages[rng.Intn(len(cfg.Stages))]
			_, err := cfg.RemoveStage(victim.ID)
			if victim.IsDefault {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		case 2:
			order := make([]uuid.UUID, len(cfg.Stages))
			for j, s := range cfg.Stages {
				order[j] = s.ID
			}
			rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
			require.NoError(t, cfg.ReorderStages(order))
		}
		requireContiguous(t, cfg)
	}
}

func TestValidateGraphReportsAllProblems(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	cfg.Stages[1].Position = 0
	cfg.Stages[1].TargetProbability = 140
	cfg.ConversionTargets[uuid.New()] = 20

	err := cfg.ValidateGraph()
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	problems, ok := appErr.Details.([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(problems), 3)
}

func TestValidateGraphRejectsEmptyPipeline(t *testing.T) {
	cfg := NewConfiguration(uuid.New(), "Empty", time.Now())
	assert.True(t, apperr.Is(cfg.ValidateGraph(), apperr.KindValidation))
}

func TestValidateGraphRejectsRuleWithMissingMoveTarget(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	lead, _ := cfg.StageByName("Lead")
	_, err := cfg.AddRule(lead.ID, Rule{
		Name:     "promote",
		Trigger:  Trigger{Type: TriggerDealCreated},
		Actions:  []Action{{Type: ActionMoveStage, Config: map[string]any{"stageName": "Negotiation"}}},
		IsActive: true,
	})
	require.NoError(t, err)

	assert.True(t, apperr.Is(cfg.ValidateGraph(), apperr.KindValidation))
}

func TestDefaultStageCannotBeUnsetThenRemoved(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	lead, _ := cfg.StageByName("Lead")
	off := false

	_, err := cfg.UpdateStage(lead.ID, StagePatch{IsDefault: &off})
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	_, err = cfg.RemoveStage(lead.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	require.Len(t, cfg.Stages, 2)

	qualified, _ := cfg.StageByName("Qualified")
	on := true
	_, err = cfg.UpdateStage(qualified.ID, StagePatch{IsDefault: &on})
	require.NoError(t, err)
	_, err = cfg.UpdateStage(lead.ID, StagePatch{IsDefault: &off})
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateGraph())
}

func TestValidateGraphRequiresDefaultStage(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	cfg.Stages[0].IsDefault = false

	err := cfg.ValidateGraph()

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "pipeline must have a default stage")
}

func TestUpdateStageAppliesTargets(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	qualified, _ := cfg.StageByName("Qualified")
	dwell := 7 * 24 * time.Hour
	conversion := 40.0
	name := "Sales Qualified"

	_, err := cfg.UpdateStage(qualified.ID, StagePatch{Name: &name, DwellTarget: &dwell, ConversionTarget: &conversion})
	require.NoError(t, err)

	got, ok := cfg.DwellTarget(qualified.ID)
	require.True(t, ok)
	assert.Equal(t, dwell, got)
	target, _ := cfg.ConversionTarget(qualified.ID)
	assert.Equal(t, 40.0, target)
	_, ok = cfg.StageByName("sales qualified")
	assert.True(t, ok)
	require.NoError(t, cfg.ValidateGraph())
}

func TestCloneDoesNotAlias(t *testing.T) {
	cfg := newTestConfig(t, "Lead", "Qualified")
	lead, _ := cfg.StageByName("Lead")
	_, err := cfg.AddRule(lead.ID, Rule{Name: "r", Trigger: Trigger{Type: TriggerManual}, Actions: []Action{{Type: ActionUpdateProbability, Config: map[string]any{"probability": 10.0}}}})
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.Stages[0].Rules[0].Actions[0].Config["probability"] = 90.0
	clone.Stages[0].Name = "Changed"

	assert.Equal(t, 10.0, cfg.Stages[0].Rules[0].Actions[0].Config["probability"])
	assert.Equal(t, "Lead", cfg.Stages[0].Name)
}
