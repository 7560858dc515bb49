package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is an inbound opportunity mutation or clock tick submitted to the
// automation engine.
type Event struct {
	ID            uuid.UUID
	Type          TriggerType
	TenantID      uuid.UUID
	OpportunityID uuid.UUID
	Actor         string
	Payload       EventPayload
	OccurredAt    time.Time
}

// EventPayload carries the type-specific details of an event.
type EventPayload struct {
	// Field and the old/new values describe field_changed and value_changed.
	Field    string `json:"field,omitempty"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
	// ToStageID on an inbound stage_changed requests a move; without it the
	// event only notifies that the stage changed.
	FromStageID *uuid.UUID `json:"fromStageId,omitempty"`
	ToStageID   *uuid.UUID `json:"toStageId,omitempty"`
	// RuleID selects the rule for manual triggers.
	RuleID  *uuid.UUID `json:"ruleId,omitempty"`
	DueDate *time.Time `json:"dueDate,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// NewEvent stamps an event with an ID and time.
func NewEvent(kind TriggerType, tenantID, opportunityID uuid.UUID, actor string, payload EventPayload, now time.Time) Event {
	if actor == "" {
		actor = ActorSystem
	}
	return Event{
		ID:            uuid.New(),
		Type:          kind,
		TenantID:      tenantID,
		OpportunityID: opportunityID,
		Actor:         actor,
		Payload:       payload,
		OccurredAt:    now.UTC(),
	}
}

// ValuesDiffer reports whether a change event actually changed something.
func (p EventPayload) ValuesDiffer() bool {
	oldN, oldNum := toFloat(p.OldValue)
	newN, newNum := toFloat(p.NewValue)
	if oldNum && newNum {
		return oldN != newN
	}
	return customValue(p.OldValue).Text != customValue(p.NewValue).Text ||
		customValue(p.OldValue).Present != customValue(p.NewValue).Present
}
