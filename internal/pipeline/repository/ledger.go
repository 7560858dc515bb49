package repository

import (
	"context"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const movementColumns = `id, tenant_id, pipeline_id, opportunity_id, from_stage_id, to_stage_id, reason, actor,
		automated, rule_id, value_snapshot, probability_snapshot, criteria_warnings, occurred_at`

// advanceStageQuery is the compare-and-set that ties a movement to the
// opportunity's current stage.
const advanceStageQuery = `
		UPDATE pipeline_opportunities
		SET stage_id = $1, stage_entered_at = $2, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND stage_id = $5`

const lockCreationQuery = `
		SELECT NOT EXISTS (SELECT 1 FROM pipeline_movements WHERE opportunity_id = o.id)
		FROM pipeline_opportunities o
		WHERE o.id = $1 AND o.tenant_id = $2 AND o.stage_id = $3
		FOR UPDATE`

const insertMovementQuery = `
		INSERT INTO pipeline_movements (` + movementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const historyQuery = `
		SELECT ` + movementColumns + `
		FROM pipeline_movements
		WHERE tenant_id = $1 AND opportunity_id = $2
		ORDER BY occurred_at ASC, id ASC`

const sinceQuery = `
		SELECT ` + movementColumns + `
		FROM pipeline_movements
		WHERE tenant_id = $1 AND pipeline_id = $2 AND occurred_at >= $3
		ORDER BY occurred_at ASC, id ASC`

// AppendMovement inserts m and moves the opportunity in one transaction.
func (r *Repo) AppendMovement(ctx context.Context, m domain.Movement) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append movement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.FromStageID == nil {
		var first bool
		err := tx.QueryRow(ctx, lockCreationQuery, m.OpportunityID, m.TenantID, m.ToStageID).Scan(&first)
		if err != nil {
			if isNoRows(err) {
				return apperr.Conflict(creationConflictMessage)
			}
			return fmt.Errorf("lock opportunity for creation entry: %w", err)
		}
		if !first {
			return apperr.Conflict(creationConflictMessage)
		}
	} else {
		tag, err := tx.Exec(ctx, advanceStageQuery, m.ToStageID, m.OccurredAt, m.OpportunityID, m.TenantID, *m.FromStageID)
		if err != nil {
			return fmt.Errorf("advance opportunity stage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict(stageConflictMessage)
		}
	}

	warnings := m.CriteriaWarnings
	if warnings == nil {
		warnings = []string{}
	}
	if _, err := tx.Exec(ctx, insertMovementQuery,
		m.ID, m.TenantID, m.PipelineID, m.OpportunityID, m.FromStageID, m.ToStageID, m.Reason, m.Actor,
		m.Automated, m.RuleID, m.ValueSnapshot, m.ProbabilitySnapshot, warnings, m.OccurredAt); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append movement: %w", err)
	}
	return nil
}

// History returns an opportunity's movements in timestamp order.
func (r *Repo) History(ctx context.Context, tenantID, opportunityID uuid.UUID) ([]domain.Movement, error) {
	return queryMovements(ctx, r.pool, historyQuery, tenantID, opportunityID)
}

// Since returns a pipeline's movements at or after since.
func (r *Repo) Since(ctx context.Context, tenantID, pipelineID uuid.UUID, since time.Time) ([]domain.Movement, error) {
	return queryMovements(ctx, r.pool, sinceQuery, tenantID, pipelineID, since)
}

func queryMovements(ctx context.Context, q querier, query string, args ...any) ([]domain.Movement, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		var m domain.Movement
		if err := rows.Scan(&m.ID, &m.TenantID, &m.PipelineID, &m.OpportunityID, &m.FromStageID, &m.ToStageID,
			&m.Reason, &m.Actor, &m.Automated, &m.RuleID, &m.ValueSnapshot, &m.ProbabilitySnapshot,
			&m.CriteriaWarnings, &m.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
