package domain

import (
	"testing"
	"time"

	"pipeline_engine_backend/platform/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFieldWriteTypeChecks(t *testing.T) {
	cfg := newTestConfig(t, "Lead")
	cfg.CustomFields = []FieldDefinition{
		{Key: "segment", Kind: FieldKindEnum, Options: []string{"smb", "enterprise"}},
		{Key: "seats", Kind: FieldKindNumber},
		{Key: "renewal", Kind: FieldKindDate},
	}

	cases := []struct {
		field string
		raw   any
		ok    bool
	}{
		{"value", 250000.0, true},
		{"value", "250000", false},
		{"value", -5.0, false},
		{"probability", 55.0, true},
		{"probability", 120.0, false},
		{"probability", 12.5, false},
		{"priority", "URGENT", true},
		{"priority", "critical", false},
		{"expected_close_date", "2026-05-01", true},
		{"expected_close_date", 12.0, false},
		{"name", "", false},
		{"stage", "anything", false},
		{"segment", "enterprise", true},
		{"segment", "consumer", false},
		{"seats", 40, true},
		{"seats", "forty", false},
		{"renewal", "2027-01-01T00:00:00Z", true},
		{"undeclared", "x", false},
	}
	for _, tc := range cases {
		opp := Opportunity{Name: "Deal", Priority: "low"}
		_, err := ApplyFieldWrite(&opp, &cfg, tc.field, tc.raw)
		if tc.ok {
			assert.NoError(t, err, "%s=%v", tc.field, tc.raw)
		} else {
			assert.True(t, apperr.Is(err, apperr.KindValidation), "%s=%v should fail validation, got %v", tc.field, tc.raw, err)
		}
	}
}

func TestApplyFieldWriteReportsChange(t *testing.T) {
	cfg := newTestConfig(t, "Lead")
	opp := Opportunity{Value: 50000}

	change, err := ApplyFieldWrite(&opp, &cfg, "value", 150000.0)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, change.OldValue.Number)
	assert.Equal(t, 150000.0, change.NewValue.Number)
	assert.False(t, change.OldValue.Equal(change.NewValue))
	assert.Equal(t, 150000.0, opp.Value)
}

func TestApplyFieldWriteFailureLeavesOpportunityUntouched(t *testing.T) {
	cfg := newTestConfig(t, "Lead")
	opp := Opportunity{Probability: 30}

	_, err := ApplyFieldWrite(&opp, &cfg, "probability", "high")
	require.Error(t, err)
	assert.Equal(t, 30, opp.Probability)
}

func TestMissingRequiredFields(t *testing.T) {
	stage := Stage{Name: "Qualified", RequiredFields: []string{"owner_id", "expected_close_date", "value"}}
	opp := Opportunity{Value: 100}

	missing := MissingRequiredFields(stage, FieldView{Opportunity: opp, Now: time.Now()})
	assert.Equal(t, []string{"owner_id", "expected_close_date"}, missing)
}

func TestEventPayloadValuesDiffer(t *testing.T) {
	assert.True(t, EventPayload{OldValue: 50000.0, NewValue: 150000.0}.ValuesDiffer())
	assert.False(t, EventPayload{OldValue: 150000.0, NewValue: 150000}.ValuesDiffer())
	assert.False(t, EventPayload{OldValue: "a", NewValue: "a"}.ValuesDiffer())
	assert.True(t, EventPayload{OldValue: nil, NewValue: "a"}.ValuesDiffer())
}
