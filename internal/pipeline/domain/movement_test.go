package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyChain(t *testing.T) {
	lead, qualified, won := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()
	opp := Opportunity{ID: uuid.New(), StageID: lead}

	created := NewCreationMovement(opp, "user-1", now)
	opp.StageID = lead
	first := NewMovement(opp, qualified, "user-1", "manual", now.Add(time.Hour))
	opp.StageID = qualified
	second := NewMovement(opp, won, ActorSystem, "rule", now.Add(2*time.Hour))

	require.NoError(t, VerifyChain([]Movement{created, first, second}))
	assert.True(t, created.IsCreation())

	broken := second
	other := uuid.New()
	broken.FromStageID = &other
	assert.Error(t, VerifyChain([]Movement{created, first, broken}))
}

func TestRuleState(t *testing.T) {
	r := Rule{IsActive: true}
	assert.Equal(t, RuleStateArmed, r.State(false, false))
	assert.Equal(t, RuleStateExecuting, r.State(true, true))
	assert.Equal(t, RuleStateCoolingDown, r.State(false, true))
	r.IsActive = false
	assert.Equal(t, RuleStateInactive, r.State(true, true))
}
