// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"pipeline_engine_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Pipeline Domain Events
// =============================================================================

// MovementRecorded is published after a movement is committed to the ledger.
type MovementRecorded struct {
	BaseEvent
	MovementID    uuid.UUID  `json:"movementId"`
	TenantID      uuid.UUID  `json:"tenantId"`
	PipelineID    uuid.UUID  `json:"pipelineId"`
	OpportunityID uuid.UUID  `json:"opportunityId"`
	FromStageID   *uuid.UUID `json:"fromStageId,omitempty"`
	ToStageID     uuid.UUID  `json:"toStageId"`
	ToStageName   string     `json:"toStageName"`
	Actor         string     `json:"actor"`
	Automated     bool       `json:"automated"`
	RuleID        *uuid.UUID `json:"ruleId,omitempty"`
	Value         float64    `json:"value"`
	Warnings      []string   `json:"criteriaWarnings,omitempty"`
	MovedAt       time.Time  `json:"occurredAt"`
}

func (e MovementRecorded) EventName() string { return "pipeline.movement.recorded" }

// RuleExecuted is published when a rule execution finishes, including the
// completion of a deferred tail.
type RuleExecuted struct {
	BaseEvent
	TenantID      uuid.UUID `json:"tenantId"`
	PipelineID    uuid.UUID `json:"pipelineId"`
	RuleID        uuid.UUID `json:"ruleId"`
	OpportunityID uuid.UUID `json:"opportunityId"`
	ActionsRun    int       `json:"actionsRun"`
	Deferred      bool      `json:"deferred"`
	Error         string    `json:"error,omitempty"`
}

func (e RuleExecuted) EventName() string { return "pipeline.rule.executed" }

// ConfigurationChanged is published after a pipeline configuration write.
type ConfigurationChanged struct {
	BaseEvent
	TenantID   uuid.UUID `json:"tenantId"`
	PipelineID uuid.UUID `json:"pipelineId"`
	Change     string    `json:"change"`
}

func (e ConfigurationChanged) EventName() string { return "pipeline.configuration.changed" }

// TaskRequested is published by the dispatcher for create_task actions. The
// task owner subscribes to it.
type TaskRequested struct {
	BaseEvent
	DispatchID    uuid.UUID      `json:"dispatchId"`
	TenantID      uuid.UUID      `json:"tenantId"`
	OpportunityID uuid.UUID      `json:"opportunityId"`
	RuleID        uuid.UUID      `json:"ruleId"`
	Assignee      string         `json:"assignee"`
	Payload       map[string]any `json:"payload"`
}

func (e TaskRequested) EventName() string { return "pipeline.dispatch.task" }

// UserNotificationRequested is published by the dispatcher for notify_user
// actions.
type UserNotificationRequested struct {
	BaseEvent
	DispatchID    uuid.UUID      `json:"dispatchId"`
	TenantID      uuid.UUID      `json:"tenantId"`
	OpportunityID uuid.UUID      `json:"opportunityId"`
	RuleID        uuid.UUID      `json:"ruleId"`
	UserID        string         `json:"userId"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload"`
}

func (e UserNotificationRequested) EventName() string { return "pipeline.dispatch.notification" }
