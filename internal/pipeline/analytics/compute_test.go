package analytics

import (
	"math/rand"
	"testing"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

type ledgerBuilder struct {
	cfg       domain.Configuration
	movements []domain.Movement
	opps      map[uuid.UUID]*domain.Opportunity
	order     []uuid.UUID
}

func newPipeline(t *testing.T, names ...string) *ledgerBuilder {
	t.Helper()
	cfg := domain.NewConfiguration(uuid.New(), "Sales", t0)
	for i, name := range names {
		_, err := cfg.AddStage(domain.Stage{Name: name, TargetProbability: 100 * i / (len(names) - 1), IsDefault: i == 0}, -1)
		require.NoError(t, err)
	}
	return &ledgerBuilder{cfg: cfg, opps: make(map[uuid.UUID]*domain.Opportunity)}
}

func (b *ledgerBuilder) stage(name string) domain.Stage {
	s, _ := b.cfg.StageByName(name)
	return s
}

// deal creates an opportunity in stage at time at and records its creation entry.
func (b *ledgerBuilder) deal(value float64, stage string, at time.Time) uuid.UUID {
	opp := &domain.Opportunity{
		ID:         uuid.New(),
		TenantID:   b.cfg.TenantID,
		PipelineID: b.cfg.ID,
		StageID:    b.stage(stage).ID,
		Name:       "deal",
		Value:      value,
		CreatedAt:  at,
	}
	b.opps[opp.ID] = opp
	b.order = append(b.order, opp.ID)
	b.movements = append(b.movements, domain.NewCreationMovement(*opp, "user-1", at))
	return opp.ID
}

func (b *ledgerBuilder) move(id uuid.UUID, stage string, at time.Time) {
	opp := b.opps[id]
	m := domain.NewMovement(*opp, b.stage(stage).ID, "user-1", "", at)
	b.movements = append(b.movements, m)
	opp.StageID = m.ToStageID
}

func (b *ledgerBuilder) input(period Period, now time.Time) Input {
	opps := make([]domain.Opportunity, 0, len(b.order))
	for _, id := range b.order {
		opps = append(opps, *b.opps[id])
	}
	return Input{Config: b.cfg, Movements: b.movements, Opportunities: opps, Period: period, Now: now}
}

func metricsFor(t *testing.T, report PipelineAnalytics, name string) StageMetrics {
	t.Helper()
	for _, m := range report.StageMetrics {
		if m.StageName == name {
			return m
		}
	}
	t.Fatalf("no metrics for stage %s", name)
	return StageMetrics{}
}

func qualifiedScenario(t *testing.T, conversionTarget float64) *ledgerBuilder {
	t.Helper()
	b := newPipeline(t, "Lead", "Qualified", "Won")
	qualified := b.stage("Qualified").ID
	b.cfg.DwellTargets[qualified] = 7 * day
	b.cfg.ConversionTargets[qualified] = conversionTarget

	id := b.deal(40000, "Lead", t0.Add(-day))
	b.move(id, "Qualified", t0)
	b.move(id, "Won", t0.Add(20*day))
	return b
}

func TestQualifiedDwellOfTwentyDaysIsHighBottleneck(t *testing.T) {
	b := qualifiedScenario(t, 80)
	period := Period{Start: t0.Add(-2 * day), End: t0.Add(30 * day)}

	report := Compute(b.input(period, t0.Add(30*day)))

	m := metricsFor(t, report, "Qualified")
	assert.InDelta(t, (20 * day).Hours(), m.AverageTimeInStageHours, 0.001)
	assert.Equal(t, 100.0, m.ConversionRate)
	require.Len(t, report.BottleneckAnalysis, 1)
	assert.Equal(t, SeverityHigh, report.BottleneckAnalysis[0].Severity)
	assert.Equal(t, "Qualified", report.BottleneckAnalysis[0].StageName)
}

func TestQualifiedDwellWithLowConversionIsCritical(t *testing.T) {
	b := qualifiedScenario(t, 80)
	for i := 0; i < 2; i++ {
		id := b.deal(10000, "Lead", t0.Add(-day))
		b.move(id, "Qualified", t0)
		b.move(id, "Lead", t0.Add(20*day))
	}
	period := Period{Start: t0.Add(-2 * day), End: t0.Add(30 * day)}

	report := Compute(b.input(period, t0.Add(30*day)))

	m := metricsFor(t, report, "Qualified")
	assert.InDelta(t, 33.33, m.ConversionRate, 0.01)
	assert.Equal(t, 2, m.Regressions)
	assert.Equal(t, 3, m.Exits)
	require.NotEmpty(t, report.BottleneckAnalysis)
	assert.Equal(t, SeverityCritical, report.BottleneckAnalysis[0].Severity)

	categories := map[CauseCategory]bool{}
	for _, c := range report.BottleneckAnalysis[0].Causes {
		categories[c.Category] = true
	}
	assert.True(t, categories[CauseProcess])
	assert.True(t, categories[CauseTraining])
	assert.True(t, categories[CauseAutomation])
	assert.True(t, categories[CauseStructure])
}

func TestStageWithoutEntriesIsFlaggedInsufficient(t *testing.T) {
	b := newPipeline(t, "Lead", "Qualified", "Won")
	b.cfg.ConversionTargets[b.stage("Won").ID] = 90
	b.deal(100, "Lead", t0)

	report := Compute(b.input(Period{Start: t0.Add(-day), End: t0.Add(day)}, t0.Add(day)))

	won := metricsFor(t, report, "Won")
	assert.True(t, won.InsufficientData)
	assert.Zero(t, won.ConversionRate)
	assert.Equal(t, TrendStable, won.VelocityTrend)
	for _, bn := range report.BottleneckAnalysis {
		assert.NotEqual(t, "Won", bn.StageName, "no conversion check without data")
	}
}

func TestStillInStageCountsUntilNowOrPeriodEnd(t *testing.T) {
	b := newPipeline(t, "Lead", "Won")
	b.deal(100, "Lead", t0)

	report := Compute(b.input(Period{Start: t0.Add(-day), End: t0.Add(10 * day)}, t0.Add(3*day)))
	assert.InDelta(t, (3 * day).Hours(), metricsFor(t, report, "Lead").AverageTimeInStageHours, 0.001)

	report = Compute(b.input(Period{Start: t0.Add(-day), End: t0.Add(2 * day)}, t0.Add(5*day)))
	assert.InDelta(t, (2 * day).Hours(), metricsFor(t, report, "Lead").AverageTimeInStageHours, 0.001)
}

func TestVelocityTrendComparesWithPreviousPeriod(t *testing.T) {
	b := newPipeline(t, "Lead", "Qualified", "Won")
	previous := b.deal(100, "Lead", t0)
	b.move(previous, "Qualified", t0.Add(10*day))
	current := b.deal(100, "Lead", t0.Add(30*day))
	b.move(current, "Qualified", t0.Add(35*day))

	period := Period{Start: t0.Add(30 * day), End: t0.Add(60 * day)}
	report := Compute(b.input(period, period.End))

	assert.Equal(t, TrendUp, metricsFor(t, report, "Lead").VelocityTrend, "5 days against 10 days")

	b = newPipeline(t, "Lead", "Qualified", "Won")
	previous = b.deal(100, "Lead", t0)
	b.move(previous, "Qualified", t0.Add(5*day))
	current = b.deal(100, "Lead", t0.Add(30*day))
	b.move(current, "Qualified", t0.Add(40*day))
	report = Compute(b.input(period, period.End))

	assert.Equal(t, TrendDown, metricsFor(t, report, "Lead").VelocityTrend)
}

func TestStageTotalsUseCurrentOpportunities(t *testing.T) {
	b := newPipeline(t, "Lead", "Proposal", "Won")
	b.deal(1000, "Proposal", t0)
	b.deal(3000, "Proposal", t0)
	b.deal(500, "Lead", t0)

	report := Compute(b.input(Period{Start: t0, End: t0.Add(day)}, t0.Add(day)))

	proposal := metricsFor(t, report, "Proposal")
	assert.Equal(t, 2, proposal.TotalOpportunities)
	assert.Equal(t, 4000.0, proposal.TotalValue)
	assert.Equal(t, 2000.0, proposal.AverageDealSize)
	assert.Equal(t, 2000.0, proposal.WeightedValue, "target probability 50")
	assert.Zero(t, metricsFor(t, report, "Won").AverageDealSize)
}

func TestOverallConversionAndSalesCycle(t *testing.T) {
	b := newPipeline(t, "Lead", "Qualified", "Won")
	winner := b.deal(100, "Lead", t0)
	b.move(winner, "Qualified", t0.Add(2*day))
	b.move(winner, "Won", t0.Add(10*day))
	b.deal(100, "Lead", t0.Add(day))
	other := b.deal(100, "Lead", t0.Add(day))
	b.move(other, "Qualified", t0.Add(3*day))

	report := Compute(b.input(Period{Start: t0, End: t0.Add(20 * day)}, t0.Add(20*day)))

	assert.InDelta(t, 33.33, report.OverallConversionRate, 0.01)
	assert.Equal(t, 10.0, report.AverageSalesCycleDays)
}

func TestConversionRateAlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"Lead", "Qualified", "Proposal", "Negotiation", "Won"}
	for round := 0; round < 50; round++ {
		b := newPipeline(t, names...)
		for i := 0; i < 20; i++ {
			at := t0.Add(time.Duration(rng.Intn(20*24)) * time.Hour)
			id := b.deal(float64(rng.Intn(10000)), names[rng.Intn(len(names))], at)
			for hops := rng.Intn(6); hops > 0; hops-- {
				at = at.Add(time.Duration(1+rng.Intn(96)) * time.Hour)
				b.move(id, names[rng.Intn(len(names))], at)
			}
		}
		period := Period{Start: t0.Add(5 * day), End: t0.Add(25 * day)}

		report := Compute(b.input(period, t0.Add(40*day)))

		for _, m := range report.StageMetrics {
			assert.GreaterOrEqual(t, m.ConversionRate, 0.0)
			assert.LessOrEqual(t, m.ConversionRate, 100.0)
			if m.Entries == 0 {
				assert.True(t, m.InsufficientData)
				assert.Zero(t, m.ConversionRate)
			}
			assert.GreaterOrEqual(t, m.AverageTimeInStageHours, 0.0)
		}
		assert.GreaterOrEqual(t, report.OverallConversionRate, 0.0)
		assert.LessOrEqual(t, report.OverallConversionRate, 100.0)
	}
}
