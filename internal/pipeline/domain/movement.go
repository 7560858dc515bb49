package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorSystem is recorded as the actor of automated movements.
const ActorSystem = "system"

// Movement is one append-only ledger entry. FromStageID is nil only for the
// entry recorded when an opportunity is created.
type Movement struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	PipelineID          uuid.UUID
	OpportunityID       uuid.UUID
	FromStageID         *uuid.UUID
	ToStageID           uuid.UUID
	Reason              string
	Actor               string
	Automated           bool
	RuleID              *uuid.UUID
	ValueSnapshot       float64
	ProbabilitySnapshot int
	CriteriaWarnings    []string
	OccurredAt          time.Time
}

// NewMovement builds a movement of opp from its current stage to to.
func NewMovement(opp Opportunity, to uuid.UUID, actor, reason string, now time.Time) Movement {
	from := opp.StageID
	return Movement{
		ID:                  uuid.New(),
		TenantID:            opp.TenantID,
		PipelineID:          opp.PipelineID,
		OpportunityID:       opp.ID,
		FromStageID:         &from,
		ToStageID:           to,
		Reason:              reason,
		Actor:               actor,
		ValueSnapshot:       opp.Value,
		ProbabilitySnapshot: opp.Probability,
		OccurredAt:          now.UTC(),
	}
}

// NewCreationMovement records the stage an opportunity was created in.
func NewCreationMovement(opp Opportunity, actor string, now time.Time) Movement {
	m := NewMovement(opp, opp.StageID, actor, "created", now)
	m.FromStageID = nil
	return m
}

// IsCreation reports whether m is the creation entry.
func (m Movement) IsCreation() bool {
	return m.FromStageID == nil
}

// VerifyChain checks that each movement starts where the previous one ended.
// history must be in timestamp order.
func VerifyChain(history []Movement) error {
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.FromStageID == nil {
			return fmt.Errorf("movement %s has no source stage but is not the first entry", cur.ID)
		}
		if *cur.FromStageID != prev.ToStageID {
			return fmt.Errorf("movement %s starts at %s, previous entry ended at %s", cur.ID, *cur.FromStageID, prev.ToStageID)
		}
		if cur.OccurredAt.Before(prev.OccurredAt) {
			return fmt.Errorf("movement %s is older than its predecessor", cur.ID)
		}
	}
	return nil
}
