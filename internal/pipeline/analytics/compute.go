// Package analytics derives stage metrics, bottlenecks and recommendations
// from the movement ledger. Computation is pure; Service adds snapshot reads,
// caching and archiving around it.
package analytics

import (
	"math"
	"sort"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
)

// VelocityTrend compares dwell time with the previous period.
type VelocityTrend string

const (
	TrendUp     VelocityTrend = "up"
	TrendDown   VelocityTrend = "down"
	TrendStable VelocityTrend = "stable"
)

// trendBand is the relative change in average dwell that counts as a trend.
const trendBand = 0.10

// Period is a half-open reporting window [Start, End).
type Period struct {
	Start time.Time `json:"from"`
	End   time.Time `json:"to"`
}

// Length is the duration of the window.
func (p Period) Length() time.Duration { return p.End.Sub(p.Start) }

// Previous is the window of equal length right before p.
func (p Period) Previous() Period {
	return Period{Start: p.Start.Add(-p.Length()), End: p.Start}
}

func (p Period) contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// StageMetrics describes one stage over a period.
type StageMetrics struct {
	StageID                 uuid.UUID     `json:"stageId"`
	StageName               string        `json:"stageName"`
	Position                int           `json:"position"`
	TotalOpportunities      int           `json:"totalOpportunities"`
	TotalValue              float64       `json:"totalValue"`
	AverageDealSize         float64       `json:"averageDealSize"`
	WeightedValue           float64       `json:"weightedValue"`
	AverageTimeInStageHours float64       `json:"averageTimeInStageHours"`
	ConversionRate          float64       `json:"conversionRate"`
	InsufficientData        bool          `json:"insufficientData"`
	VelocityTrend           VelocityTrend `json:"velocityTrend"`
	Entries                 int           `json:"entries"`
	Exits                   int           `json:"exits"`
	Regressions             int           `json:"regressions"`
	DwellTargetHours        float64       `json:"dwellTargetHours,omitempty"`
	ConversionTarget        float64       `json:"conversionTarget,omitempty"`
}

// PipelineAnalytics is the full report for one pipeline and period.
type PipelineAnalytics struct {
	PipelineID            uuid.UUID                `json:"pipelineId"`
	Period                Period                   `json:"period"`
	GeneratedAt           time.Time                `json:"generatedAt"`
	StageMetrics          []StageMetrics           `json:"stageMetrics"`
	BottleneckAnalysis    []Bottleneck             `json:"bottleneckAnalysis"`
	RecommendedActions    []PipelineRecommendation `json:"recommendedActions"`
	OverallConversionRate float64                  `json:"overallConversionRate"`
	AverageSalesCycleDays float64                  `json:"averageSalesCycleDays"`
}

// Input is everything one analytics run reads. Movements must cover at least
// the previous period so velocity trends can be computed; later movements are
// used to find where an entry went next.
type Input struct {
	Config        domain.Configuration
	Movements     []domain.Movement
	Opportunities []domain.Opportunity
	Period        Period
	Now           time.Time
}

// stay is one entry into a stage and the movement that ended it, if any.
type stay struct {
	opportunityID uuid.UUID
	stageID       uuid.UUID
	enteredAt     time.Time
	next          *domain.Movement
}

// Compute builds the report. It never fails on missing data; stages without
// entries are flagged instead.
func Compute(in Input) PipelineAnalytics {
	cfg := in.Config
	stays, firstSeen := buildStays(in.Movements)
	previous := in.Period.Previous()

	report := PipelineAnalytics{
		PipelineID:  cfg.ID,
		Period:      in.Period,
		GeneratedAt: in.Now,
	}

	for _, stage := range cfg.OrderedStages() {
		m := StageMetrics{
			StageID:       stage.ID,
			StageName:     stage.Name,
			Position:      stage.Position,
			VelocityTrend: TrendStable,
		}
		if target, ok := cfg.DwellTarget(stage.ID); ok {
			m.DwellTargetHours = target.Hours()
		}
		if target, ok := cfg.ConversionTarget(stage.ID); ok {
			m.ConversionTarget = target
		}

		for _, opp := range in.Opportunities {
			if opp.StageID != stage.ID {
				continue
			}
			m.TotalOpportunities++
			m.TotalValue += opp.Value
			m.WeightedValue += opp.Value * float64(stage.TargetProbability) / 100
		}
		if m.TotalOpportunities > 0 {
			m.AverageDealSize = m.TotalValue / float64(m.TotalOpportunities)
		}

		current := stageDwell(&cfg, stays, stage, in.Period, in.Now)
		m.Entries = current.entries
		m.Exits = current.exits
		m.Regressions = current.regressions
		if current.entries == 0 {
			m.InsufficientData = true
		} else {
			m.AverageTimeInStageHours = current.averageHours()
			m.ConversionRate = clampPercent(100 * float64(current.forward) / float64(current.entries))
		}

		prior := stageDwell(&cfg, stays, stage, previous, in.Now)
		m.VelocityTrend = velocity(current, prior)

		report.StageMetrics = append(report.StageMetrics, m)
	}

	report.OverallConversionRate, report.AverageSalesCycleDays = overall(&cfg, in, stays, firstSeen)
	report.BottleneckAnalysis = DetectBottlenecks(cfg, report.StageMetrics)
	report.RecommendedActions = Recommend(report.BottleneckAnalysis)
	return report
}

// buildStays turns the ledger into per-entry stays. firstSeen is the time of
// each opportunity's earliest ledger entry.
func buildStays(movements []domain.Movement) ([]stay, map[uuid.UUID]time.Time) {
	byOpp := make(map[uuid.UUID][]domain.Movement)
	for _, m := range movements {
		byOpp[m.OpportunityID] = append(byOpp[m.OpportunityID], m)
	}

	var stays []stay
	firstSeen := make(map[uuid.UUID]time.Time, len(byOpp))
	for oppID, list := range byOpp {
		sort.SliceStable(list, func(i, j int) bool { return list[i].OccurredAt.Before(list[j].OccurredAt) })
		firstSeen[oppID] = list[0].OccurredAt
		for i, m := range list {
			s := stay{opportunityID: oppID, stageID: m.ToStageID, enteredAt: m.OccurredAt}
			if i+1 < len(list) {
				next := list[i+1]
				s.next = &next
			}
			stays = append(stays, s)
		}
	}
	sort.SliceStable(stays, func(i, j int) bool { return stays[i].enteredAt.Before(stays[j].enteredAt) })
	return stays, firstSeen
}

type dwell struct {
	entries     int
	exits       int
	forward     int
	regressions int
	total       time.Duration
}

func (d dwell) averageHours() float64 {
	if d.entries == 0 {
		return 0
	}
	return (d.total / time.Duration(d.entries)).Hours()
}

func stageDwell(cfg *domain.Configuration, stays []stay, stage domain.Stage, period Period, now time.Time) dwell {
	var d dwell
	for _, s := range stays {
		if s.stageID != stage.ID || !period.contains(s.enteredAt) {
			continue
		}
		d.entries++
		end := period.End
		if now.Before(end) {
			end = now
		}
		if s.next != nil {
			end = s.next.OccurredAt
			d.exits++
			if pos, ok := cfg.PositionOf(s.next.ToStageID); ok {
				switch {
				case pos > stage.Position:
					d.forward++
				case pos < stage.Position:
					d.regressions++
				}
			}
		}
		if end.After(s.enteredAt) {
			d.total += end.Sub(s.enteredAt)
		}
	}
	return d
}

// velocity reports up when the stage got at least 10% faster than in the
// previous period, down when it got at least 10% slower.
func velocity(current, previous dwell) VelocityTrend {
	if current.entries == 0 || previous.entries == 0 {
		return TrendStable
	}
	prev := previous.averageHours()
	if prev <= 0 {
		return TrendStable
	}
	change := (current.averageHours() - prev) / prev
	switch {
	case change <= -trendBand:
		return TrendUp
	case change >= trendBand:
		return TrendDown
	default:
		return TrendStable
	}
}

// overall computes the pipeline conversion rate and the average sales cycle
// in days, both over opportunities active in the period.
func overall(cfg *domain.Configuration, in Input, stays []stay, firstSeen map[uuid.UUID]time.Time) (float64, float64) {
	final, ok := cfg.FinalStage()
	if !ok {
		return 0, 0
	}

	created := make(map[uuid.UUID]time.Time, len(in.Opportunities))
	for _, opp := range in.Opportunities {
		if !opp.CreatedAt.IsZero() {
			created[opp.ID] = opp.CreatedAt
		}
	}

	active := make(map[uuid.UUID]bool)
	won := make(map[uuid.UUID]time.Time)
	for _, s := range stays {
		if !in.Period.contains(s.enteredAt) {
			continue
		}
		active[s.opportunityID] = true
		if s.stageID == final.ID {
			if _, seen := won[s.opportunityID]; !seen {
				won[s.opportunityID] = s.enteredAt
			}
		}
	}
	if len(active) == 0 {
		return 0, 0
	}

	rate := clampPercent(100 * float64(len(won)) / float64(len(active)))

	var cycle time.Duration
	counted := 0
	for oppID, reachedAt := range won {
		start := firstSeen[oppID]
		if c, ok := created[oppID]; ok && c.Before(start) {
			start = c
		}
		if reachedAt.After(start) {
			cycle += reachedAt.Sub(start)
		}
		counted++
	}
	if counted == 0 {
		return rate, 0
	}
	return rate, round2((cycle / time.Duration(counted)).Hours() / 24)
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return round2(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
