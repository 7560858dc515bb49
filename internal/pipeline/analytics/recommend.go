package analytics

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// PipelineRecommendation is one suggested action for a cause category.
type PipelineRecommendation struct {
	Category        CauseCategory `json:"category"`
	Priority        Severity      `json:"priority"`
	StageID         uuid.UUID     `json:"stageId"`
	StageName       string        `json:"stageName"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	EstimatedImpact int           `json:"estimatedImpact"`
}

// Recommend returns one recommendation per cause category, taken from the
// highest-impact bottleneck with that cause. bottlenecks must be sorted by
// impact.
func Recommend(bottlenecks []Bottleneck) []PipelineRecommendation {
	seen := make(map[CauseCategory]bool)
	var out []PipelineRecommendation
	for _, b := range bottlenecks {
		for _, c := range b.Causes {
			if seen[c.Category] {
				continue
			}
			seen[c.Category] = true
			title, description := recommendationText(c.Category, b.StageName)
			out = append(out, PipelineRecommendation{
				Category:        c.Category,
				Priority:        b.Severity,
				StageID:         b.StageID,
				StageName:       b.StageName,
				Title:           title,
				Description:     description + " " + c.Description + ".",
				EstimatedImpact: int(math.Round(b.Impact)),
			})
		}
	}
	return out
}

func recommendationText(category CauseCategory, stage string) (string, string) {
	switch category {
	case CauseProcess:
		return fmt.Sprintf("Tighten the %s process", stage),
			"Define a clear exit checklist and a follow-up cadence for this stage."
	case CauseTraining:
		return fmt.Sprintf("Coach the team on %s", stage),
			"Review lost and stalled deals with the owners and share what converts."
	case CauseAutomation:
		return fmt.Sprintf("Automate follow-ups in %s", stage),
			"Add reminder tasks or date rules so deals do not sit idle."
	case CauseResource:
		return fmt.Sprintf("Rebalance workload in %s", stage),
			"Redistribute deals or add capacity where they pile up."
	case CauseStructure:
		return fmt.Sprintf("Revisit the structure around %s", stage),
			"Simplify required fields or split the stage where deals bounce back."
	}
	return stage, ""
}
