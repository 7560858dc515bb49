package analytics

import (
	"math"
	"testing"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageMetrics(cfg domain.Configuration, name string, m StageMetrics) StageMetrics {
	s, _ := cfg.StageByName(name)
	m.StageID = s.ID
	m.StageName = s.Name
	m.Position = s.Position
	return m
}

func TestDetectBottlenecksSeverityTiers(t *testing.T) {
	b := newPipeline(t, "Lead", "Qualified", "Proposal", "Won")
	cfg := b.cfg
	metrics := []StageMetrics{
		stageMetrics(cfg, "Lead", StageMetrics{Entries: 4, AverageTimeInStageHours: 30, DwellTargetHours: 24, TotalOpportunities: 2, TotalValue: 100}),
		stageMetrics(cfg, "Qualified", StageMetrics{Entries: 4, AverageTimeInStageHours: 60, DwellTargetHours: 24, ConversionRate: 90, ConversionTarget: 80, TotalOpportunities: 2, TotalValue: 500}),
		stageMetrics(cfg, "Proposal", StageMetrics{Entries: 4, AverageTimeInStageHours: 60, DwellTargetHours: 24, ConversionRate: 40, ConversionTarget: 80, TotalOpportunities: 2, TotalValue: 1000}),
		stageMetrics(cfg, "Won", StageMetrics{Entries: 4, AverageTimeInStageHours: 1, DwellTargetHours: 24, TotalOpportunities: 2, TotalValue: 2000}),
	}

	found := DetectBottlenecks(cfg, metrics)

	require.Len(t, found, 3)
	severities := map[string]Severity{}
	for _, bn := range found {
		severities[bn.StageName] = bn.Severity
	}
	assert.Equal(t, SeverityMedium, severities["Lead"], "25% over target")
	assert.Equal(t, SeverityHigh, severities["Qualified"], "dwell only")
	assert.Equal(t, SeverityCritical, severities["Proposal"], "dwell and conversion")

	assert.Equal(t, "Proposal", found[0].StageName, "highest exposure and severity first")
	assert.Equal(t, 100.0, found[0].Impact)
	for i := 1; i < len(found); i++ {
		assert.GreaterOrEqual(t, found[i-1].Impact, found[i].Impact)
	}
}

func TestDetectBottlenecksSkipsInsufficientData(t *testing.T) {
	b := newPipeline(t, "Lead", "Won")
	metrics := []StageMetrics{
		stageMetrics(b.cfg, "Lead", StageMetrics{InsufficientData: true, DwellTargetHours: 24, ConversionTarget: 50}),
	}

	assert.Empty(t, DetectBottlenecks(b.cfg, metrics))
}

func TestResourceCauseForOverloadedStage(t *testing.T) {
	b := newPipeline(t, "Lead", "Qualified", "Won")
	metrics := []StageMetrics{
		stageMetrics(b.cfg, "Lead", StageMetrics{Entries: 10, AverageTimeInStageHours: 40, DwellTargetHours: 24, TotalOpportunities: 10}),
		stageMetrics(b.cfg, "Qualified", StageMetrics{Entries: 1, TotalOpportunities: 1}),
		stageMetrics(b.cfg, "Won", StageMetrics{Entries: 1, TotalOpportunities: 1}),
	}

	found := DetectBottlenecks(b.cfg, metrics)

	require.Len(t, found, 1)
	var categories []CauseCategory
	for _, c := range found[0].Causes {
		categories = append(categories, c.Category)
	}
	assert.Contains(t, categories, CauseResource)
	assert.Contains(t, categories, CauseAutomation)
}

func TestRecommendOnePerCategory(t *testing.T) {
	bottlenecks := []Bottleneck{
		{
			StageName: "Proposal",
			Severity:  SeverityCritical,
			Impact:    87.65,
			Causes: []Cause{
				{Category: CauseProcess, Description: "slow"},
				{Category: CauseTraining, Description: "low conversion"},
			},
		},
		{
			StageName: "Qualified",
			Severity:  SeverityHigh,
			Impact:    40.2,
			Causes: []Cause{
				{Category: CauseProcess, Description: "slow"},
				{Category: CauseAutomation, Description: "no rules"},
			},
		},
	}

	recs := Recommend(bottlenecks)

	require.Len(t, recs, 3)
	byCategory := map[CauseCategory]PipelineRecommendation{}
	for _, r := range recs {
		_, dup := byCategory[r.Category]
		assert.False(t, dup, "duplicate category %s", r.Category)
		byCategory[r.Category] = r
	}
	assert.Equal(t, "Proposal", byCategory[CauseProcess].StageName)
	assert.Equal(t, 88, byCategory[CauseProcess].EstimatedImpact)
	assert.Equal(t, SeverityCritical, byCategory[CauseProcess].Priority)
	assert.Equal(t, "Qualified", byCategory[CauseAutomation].StageName)
	assert.Equal(t, int(math.Round(40.2)), byCategory[CauseAutomation].EstimatedImpact)
	assert.NotEmpty(t, byCategory[CauseTraining].Title)
}

func TestRecommendWithoutBottlenecks(t *testing.T) {
	assert.Empty(t, Recommend(nil))
}
