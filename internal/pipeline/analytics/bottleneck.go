package analytics

import (
	"fmt"
	"sort"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
)

// Severity ranks a bottleneck.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// CauseCategory groups bottleneck causes and recommendations.
type CauseCategory string

const (
	CauseProcess    CauseCategory = "process"
	CauseTraining   CauseCategory = "training"
	CauseAutomation CauseCategory = "automation"
	CauseResource   CauseCategory = "resource"
	CauseStructure  CauseCategory = "structure"
)

// Thresholds for severity tiers and causes.
const (
	criticalDwellOverPct   = 100.0
	mediumDwellOverPct     = 25.0
	conversionGapPoints    = 20.0
	resourceLoadFactor     = 1.5
	regressionShare        = 0.20
	structureFieldCount    = 3
	exposureWeight         = 0.6
	severityWeight         = 0.4
	impactScale            = 100.0
	criticalSeverityWeight = 1.0
	highSeverityWeight     = 0.7
	mediumSeverityWeight   = 0.4
)

// Cause explains why a stage is a bottleneck.
type Cause struct {
	Category    CauseCategory `json:"category"`
	Description string        `json:"description"`
}

// Bottleneck is a stage performing measurably worse than its targets.
type Bottleneck struct {
	StageID               uuid.UUID `json:"stageId"`
	StageName             string    `json:"stageName"`
	Position              int       `json:"position"`
	Severity              Severity  `json:"severity"`
	Impact                float64   `json:"impact"`
	AffectedOpportunities int       `json:"affectedOpportunities"`
	Exposure              float64   `json:"exposure"`
	DwellOverTargetPct    float64   `json:"dwellOverTargetPct"`
	ConversionGap         float64   `json:"conversionGap"`
	Causes                []Cause   `json:"causes"`
}

// DetectBottlenecks classifies every stage against its targets. Conversion
// checks are skipped for stages without enough data.
func DetectBottlenecks(cfg domain.Configuration, metrics []StageMetrics) []Bottleneck {
	avgLoad := averageLoad(metrics)

	var out []Bottleneck
	for _, m := range metrics {
		stage, ok := cfg.StageByID(m.StageID)
		if !ok {
			continue
		}

		dwellOver, hasDwell := dwellOverTarget(m)
		gap, hasGap := conversionGap(m)
		dwellCritical := hasDwell && dwellOver >= criticalDwellOverPct
		conversionCritical := hasGap && gap >= conversionGapPoints

		var severity Severity
		switch {
		case dwellCritical && conversionCritical:
			severity = SeverityCritical
		case dwellCritical || conversionCritical:
			severity = SeverityHigh
		case hasDwell && dwellOver >= mediumDwellOverPct:
			severity = SeverityMedium
		default:
			continue
		}

		b := Bottleneck{
			StageID:               m.StageID,
			StageName:             m.StageName,
			Position:              m.Position,
			Severity:              severity,
			AffectedOpportunities: m.TotalOpportunities,
			Exposure:              m.TotalValue,
		}
		if hasDwell {
			b.DwellOverTargetPct = round2(dwellOver)
		}
		if hasGap {
			b.ConversionGap = round2(gap)
		}
		b.Causes = causes(stage, m, dwellOver, hasDwell, gap, hasGap, avgLoad)
		out = append(out, b)
	}

	scoreImpact(out)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Impact != out[j].Impact {
			return out[i].Impact > out[j].Impact
		}
		return out[i].Position < out[j].Position
	})
	return out
}

func dwellOverTarget(m StageMetrics) (float64, bool) {
	if m.InsufficientData || m.DwellTargetHours <= 0 {
		return 0, false
	}
	return 100 * (m.AverageTimeInStageHours - m.DwellTargetHours) / m.DwellTargetHours, true
}

func conversionGap(m StageMetrics) (float64, bool) {
	if m.InsufficientData || m.ConversionTarget <= 0 {
		return 0, false
	}
	return m.ConversionTarget - m.ConversionRate, true
}

func averageLoad(metrics []StageMetrics) float64 {
	if len(metrics) == 0 {
		return 0
	}
	total := 0
	for _, m := range metrics {
		total += m.TotalOpportunities
	}
	return float64(total) / float64(len(metrics))
}

func causes(stage domain.Stage, m StageMetrics, dwellOver float64, hasDwell bool, gap float64, hasGap bool, avgLoad float64) []Cause {
	var out []Cause
	if hasDwell && dwellOver >= criticalDwellOverPct {
		out = append(out, Cause{
			Category:    CauseProcess,
			Description: fmt.Sprintf("deals spend %.0f%% longer in %s than targeted", dwellOver, stage.Name),
		})
	}
	if hasGap && gap >= conversionGapPoints {
		out = append(out, Cause{
			Category:    CauseTraining,
			Description: fmt.Sprintf("conversion out of %s is %.0f points below target", stage.Name, gap),
		})
	}
	if hasDwell && dwellOver > 0 && !hasActiveRule(stage) {
		out = append(out, Cause{
			Category:    CauseAutomation,
			Description: fmt.Sprintf("%s has no active automation rules", stage.Name),
		})
	}
	if avgLoad > 0 && float64(m.TotalOpportunities) > resourceLoadFactor*avgLoad {
		out = append(out, Cause{
			Category:    CauseResource,
			Description: fmt.Sprintf("%s holds %d deals against a pipeline average of %.1f", stage.Name, m.TotalOpportunities, avgLoad),
		})
	}
	regressive := m.Exits > 0 && float64(m.Regressions) >= regressionShare*float64(m.Exits)
	if regressive || len(stage.RequiredFields) >= structureFieldCount {
		desc := fmt.Sprintf("%s requires %d fields before deals can move on", stage.Name, len(stage.RequiredFields))
		if regressive {
			desc = fmt.Sprintf("%d of %d exits from %s moved backwards", m.Regressions, m.Exits, stage.Name)
		}
		out = append(out, Cause{Category: CauseStructure, Description: desc})
	}
	if len(out) == 0 {
		out = append(out, Cause{
			Category:    CauseProcess,
			Description: fmt.Sprintf("deals stay in %s longer than targeted", stage.Name),
		})
	}
	return out
}

func hasActiveRule(stage domain.Stage) bool {
	for _, r := range stage.Rules {
		if r.IsActive {
			return true
		}
	}
	return false
}

func scoreImpact(list []Bottleneck) {
	maxExposure := 0.0
	for _, b := range list {
		if b.Exposure > maxExposure {
			maxExposure = b.Exposure
		}
	}
	for i := range list {
		exposure := 0.0
		if maxExposure > 0 {
			exposure = list[i].Exposure / maxExposure
		}
		list[i].Impact = round2(impactScale * (exposureWeight*exposure + severityWeight*severityScore(list[i].Severity)))
	}
}

func severityScore(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return criticalSeverityWeight
	case SeverityHigh:
		return highSeverityWeight
	case SeverityMedium:
		return mediumSeverityWeight
	}
	return 0
}
