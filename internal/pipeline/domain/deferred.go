package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeferredStatus tracks a deferred action tail.
type DeferredStatus string

const (
	DeferredPending    DeferredStatus = "pending"
	DeferredDispatched DeferredStatus = "dispatched"
	DeferredDone       DeferredStatus = "done"
	DeferredCancelled  DeferredStatus = "cancelled"
)

// DeferredAction is the remainder of a rule's action list waiting for its
// delay to elapse. (RuleID, OpportunityID, DueAt) identifies it.
type DeferredAction struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	PipelineID    uuid.UUID
	RuleID        uuid.UUID
	OpportunityID uuid.UUID
	DueAt         time.Time
	ResumeIndex   int
	ActionsRun    int
	OriginEventID uuid.UUID
	Status        DeferredStatus
	CreatedAt     time.Time
}

// NewDeferredAction creates a pending item. DueAt is truncated to the second
// so the identifying key is stable across storage round trips.
func NewDeferredAction(cfg Configuration, rule Rule, opp Opportunity, dueAt time.Time, resumeIndex, actionsRun int, origin uuid.UUID, now time.Time) DeferredAction {
	return DeferredAction{
		ID:            uuid.New(),
		TenantID:      cfg.TenantID,
		PipelineID:    cfg.ID,
		RuleID:        rule.ID,
		OpportunityID: opp.ID,
		DueAt:         dueAt.UTC().Truncate(time.Second),
		ResumeIndex:   resumeIndex,
		ActionsRun:    actionsRun,
		OriginEventID: origin,
		Status:        DeferredPending,
		CreatedAt:     now.UTC(),
	}
}

// Due reports whether the item should run at now.
func (d DeferredAction) Due(now time.Time) bool {
	return d.Status == DeferredPending && !d.DueAt.After(now)
}
