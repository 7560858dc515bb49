package repository

import (
	"context"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
)

// ConfigurationReader loads pipeline configurations with their stages and rules.
type ConfigurationReader interface {
	GetConfiguration(ctx context.Context, tenantID, id uuid.UUID) (domain.Configuration, error)
	GetActiveConfiguration(ctx context.Context, tenantID uuid.UUID) (domain.Configuration, error)
	ListConfigurations(ctx context.Context, tenantID uuid.UUID) ([]domain.Configuration, error)
	// ListActiveConfigurations spans all tenants; the scheduler uses it for clock ticks.
	ListActiveConfigurations(ctx context.Context) ([]domain.Configuration, error)
}

// ConfigurationWriter persists configuration changes. SaveConfiguration
// replaces stages and rule definitions but never rewinds rule bookkeeping.
type ConfigurationWriter interface {
	SaveConfiguration(ctx context.Context, cfg domain.Configuration) error
	DeleteConfiguration(ctx context.Context, tenantID, id uuid.UUID) error
	ActivateConfiguration(ctx context.Context, tenantID, id uuid.UUID) error
	RecordRuleExecution(ctx context.Context, ruleID uuid.UUID, executedAt time.Time) error
}

// OpportunityStore is the engine's port to the opportunity owner. The stage of
// an opportunity only changes through Ledger.AppendMovement.
type OpportunityStore interface {
	GetOpportunity(ctx context.Context, tenantID, id uuid.UUID) (domain.Opportunity, error)
	CreateOpportunity(ctx context.Context, opp domain.Opportunity) error
	UpdateOpportunityFields(ctx context.Context, opp domain.Opportunity) error
	ListOpportunities(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]domain.Opportunity, error)
}

// Ledger is the append-only movement log.
type Ledger interface {
	// AppendMovement records m and sets the opportunity's current stage in one
	// atomic step. It fails with a conflict when the opportunity is no longer
	// at m.FromStageID.
	AppendMovement(ctx context.Context, m domain.Movement) error
	History(ctx context.Context, tenantID, opportunityID uuid.UUID) ([]domain.Movement, error)
	Since(ctx context.Context, tenantID, pipelineID uuid.UUID, since time.Time) ([]domain.Movement, error)
}

// DeferredStore keeps deferred action tails and date trigger bookkeeping.
type DeferredStore interface {
	// InsertDeferred returns false when an item with the same
	// (rule, opportunity, due at) key already exists.
	InsertDeferred(ctx context.Context, d domain.DeferredAction) (bool, error)
	// ClaimDeferred flips a pending item to dispatched. ok is false when the
	// item was already claimed or cancelled.
	ClaimDeferred(ctx context.Context, id uuid.UUID) (domain.DeferredAction, bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeferredAction, error)
	CompleteDeferred(ctx context.Context, id uuid.UUID) error
	CancelDeferredForRule(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error)
	PendingDeferredRules(ctx context.Context, pipelineID uuid.UUID) (map[uuid.UUID]bool, error)
	// MarkDateTriggerFired returns true only the first time for a key.
	MarkDateTriggerFired(ctx context.Context, ruleID, opportunityID uuid.UUID, dueDate time.Time) (bool, error)
}

// Snapshot is a consistent read of ledger and opportunities for analytics.
type Snapshot struct {
	Movements     []domain.Movement
	Opportunities []domain.Opportunity
	TakenAt       time.Time
}

// SnapshotReader reads analytics input without taking opportunity locks.
type SnapshotReader interface {
	Snapshot(ctx context.Context, tenantID, pipelineID uuid.UUID, since time.Time) (Snapshot, error)
}

// Store combines every pipeline persistence port.
type Store interface {
	ConfigurationReader
	ConfigurationWriter
	OpportunityStore
	Ledger
	DeferredStore
	SnapshotReader
}
