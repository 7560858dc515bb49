package transport

import (
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
)

// Pipelines

type CreatePipelineRequest struct {
	Name         string                   `json:"name" validate:"required,min=1,max=200"`
	Stages       []StageRequest           `json:"stages" validate:"required,min=1,dive"`
	CustomFields []domain.FieldDefinition `json:"customFields,omitempty"`
	Activate     bool                     `json:"activate"`
}

type UpdatePipelineRequest struct {
	Name         *string                   `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	CustomFields *[]domain.FieldDefinition `json:"customFields,omitempty"`
}

type CreateFromTemplateRequest struct {
	Template string `json:"template" validate:"required,min=1,max=100"`
	Name     string `json:"name,omitempty" validate:"max=200"`
	Activate bool   `json:"activate"`
}

type TemplateResponse struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stages      []string `json:"stages"`
}

type PipelineResponse struct {
	ID           uuid.UUID                `json:"id"`
	Name         string                   `json:"name"`
	IsActive     bool                     `json:"isActive"`
	Stages       []StageResponse          `json:"stages"`
	CustomFields []domain.FieldDefinition `json:"customFields"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// Stages

type StageRequest struct {
	Name              string   `json:"name" validate:"required,min=1,max=100"`
	Position          *int     `json:"position,omitempty" validate:"omitempty,min=0"`
	TargetProbability int      `json:"targetProbability" validate:"min=0,max=100"`
	RequiredFields    []string `json:"requiredFields,omitempty" validate:"omitempty,dive,min=1"`
	IsDefault         bool     `json:"isDefault"`
	DwellTargetHours  *float64 `json:"dwellTargetHours,omitempty" validate:"omitempty,min=0"`
	ConversionTarget  *float64 `json:"conversionTarget,omitempty" validate:"omitempty,min=0,max=100"`
}

type UpdateStageRequest struct {
	Name              *string   `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	TargetProbability *int      `json:"targetProbability,omitempty" validate:"omitempty,min=0,max=100"`
	RequiredFields    *[]string `json:"requiredFields,omitempty"`
	IsDefault         *bool     `json:"isDefault,omitempty"`
	DwellTargetHours  *float64  `json:"dwellTargetHours,omitempty" validate:"omitempty,min=0"`
	ConversionTarget  *float64  `json:"conversionTarget,omitempty" validate:"omitempty,min=0,max=100"`
}

type ReorderStagesRequest struct {
	StageIDs []uuid.UUID `json:"stageIds" validate:"required,min=1"`
}

type StageResponse struct {
	ID                uuid.UUID      `json:"id"`
	Name              string         `json:"name"`
	Position          int            `json:"position"`
	TargetProbability int            `json:"targetProbability"`
	RequiredFields    []string       `json:"requiredFields"`
	IsDefault         bool           `json:"isDefault"`
	DwellTargetHours  *float64       `json:"dwellTargetHours,omitempty"`
	ConversionTarget  *float64       `json:"conversionTarget,omitempty"`
	Rules             []RuleResponse `json:"rules"`
}

// Rules

type RuleRequest struct {
	Name       string             `json:"name" validate:"required,min=1,max=200"`
	Trigger    domain.Trigger     `json:"trigger"`
	Conditions []domain.Condition `json:"conditions,omitempty"`
	Actions    []domain.Action    `json:"actions" validate:"required,min=1"`
	IsActive   *bool              `json:"isActive,omitempty"`
}

type RuleResponse struct {
	ID             uuid.UUID          `json:"id"`
	StageID        uuid.UUID          `json:"stageId"`
	Name           string             `json:"name"`
	Trigger        domain.Trigger     `json:"trigger"`
	Conditions     []domain.Condition `json:"conditions"`
	Actions        []domain.Action    `json:"actions"`
	IsActive       bool               `json:"isActive"`
	ExecutionCount int64              `json:"executionCount"`
	LastExecutedAt *time.Time         `json:"lastExecutedAt,omitempty"`
}

type RuleStatusResponse struct {
	RuleID         uuid.UUID  `json:"ruleId"`
	StageID        uuid.UUID  `json:"stageId"`
	StageName      string     `json:"stageName"`
	Name           string     `json:"name"`
	Trigger        string     `json:"trigger"`
	State          string     `json:"state"`
	ExecutionCount int64      `json:"executionCount"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

// Opportunities and events

type CreateOpportunityRequest struct {
	PipelineID        *uuid.UUID     `json:"pipelineId,omitempty"`
	StageID           *uuid.UUID     `json:"stageId,omitempty"`
	Name              string         `json:"name" validate:"required,min=1,max=200"`
	Value             float64        `json:"value" validate:"min=0"`
	Probability       int            `json:"probability" validate:"min=0,max=100"`
	OwnerID           string         `json:"ownerId,omitempty" validate:"max=100"`
	Source            string         `json:"source,omitempty" validate:"max=100"`
	Priority          string         `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	ExpectedCloseDate *time.Time     `json:"expectedCloseDate,omitempty"`
	CustomFields      map[string]any `json:"customFields,omitempty"`
}

type OpportunityResponse struct {
	ID                uuid.UUID      `json:"id"`
	PipelineID        uuid.UUID      `json:"pipelineId"`
	StageID           uuid.UUID      `json:"stageId"`
	Name              string         `json:"name"`
	Value             float64        `json:"value"`
	Probability       int            `json:"probability"`
	OwnerID           string         `json:"ownerId,omitempty"`
	Source            string         `json:"source,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	ExpectedCloseDate *time.Time     `json:"expectedCloseDate,omitempty"`
	CustomFields      map[string]any `json:"customFields,omitempty"`
	StageEnteredAt    time.Time      `json:"stageEnteredAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type SubmitEventRequest struct {
	Type          string              `json:"type" validate:"required,oneof=deal_created stage_changed field_changed value_changed date_reached manual"`
	OpportunityID uuid.UUID           `json:"opportunityId" validate:"required"`
	Payload       domain.EventPayload `json:"payload"`
}

type MoveOpportunityRequest struct {
	StageID   *uuid.UUID `json:"stageId,omitempty" validate:"required_without=StageName"`
	StageName string     `json:"stageName,omitempty" validate:"max=100"`
	Reason    string     `json:"reason,omitempty" validate:"max=500"`
}

type UpdateFieldsRequest struct {
	Fields map[string]any `json:"fields" validate:"required,min=1"`
}

type MovementResponse struct {
	ID               uuid.UUID  `json:"id"`
	OpportunityID    uuid.UUID  `json:"opportunityId"`
	FromStageID      *uuid.UUID `json:"fromStageId,omitempty"`
	ToStageID        uuid.UUID  `json:"toStageId"`
	Reason           string     `json:"reason,omitempty"`
	Actor            string     `json:"actor"`
	Automated        bool       `json:"automated"`
	RuleID           *uuid.UUID `json:"ruleId,omitempty"`
	Value            float64    `json:"value"`
	Probability      int        `json:"probability"`
	CriteriaWarnings []string   `json:"criteriaWarnings,omitempty"`
	OccurredAt       time.Time  `json:"occurredAt"`
}

type ExecutionResponse struct {
	RuleID        uuid.UUID `json:"ruleId"`
	RuleName      string    `json:"ruleName"`
	OpportunityID uuid.UUID `json:"opportunityId"`
	Trigger       string    `json:"trigger"`
	ActionsRun    int       `json:"actionsRun"`
	Deferred      bool      `json:"deferred"`
	Error         string    `json:"error,omitempty"`
}

type DispatchResponse struct {
	ID     uuid.UUID `json:"id"`
	Kind   string    `json:"kind"`
	Target string    `json:"target"`
	RuleID uuid.UUID `json:"ruleId"`
}

type DeferredResponse struct {
	ID          uuid.UUID `json:"id"`
	RuleID      uuid.UUID `json:"ruleId"`
	DueAt       time.Time `json:"dueAt"`
	ResumeIndex int       `json:"resumeIndex"`
}

// EventResultResponse summarises everything one submitted event caused.
type EventResultResponse struct {
	EventID        uuid.UUID            `json:"eventId"`
	Opportunity    *OpportunityResponse `json:"opportunity,omitempty"`
	Movements      []MovementResponse   `json:"movements"`
	Executions     []ExecutionResponse  `json:"executions"`
	Dispatched     []DispatchResponse   `json:"dispatched"`
	DispatchErrors int                  `json:"dispatchErrors"`
	Deferred       []DeferredResponse   `json:"deferred"`
	EventsHandled  int                  `json:"eventsHandled"`
}

// Analytics

type AnalyticsQuery struct {
	From  string `form:"from" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To    string `form:"to" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Fresh bool   `form:"fresh"`
}
