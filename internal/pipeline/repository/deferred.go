package repository

import (
	"context"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deferredColumns = `id, tenant_id, pipeline_id, rule_id, opportunity_id, due_at, resume_index, actions_run,
		origin_event_id, status, created_at`

const claimDueQuery = `
		WITH cte AS (
			SELECT id
			FROM pipeline_deferred_actions
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE pipeline_deferred_actions d
		SET status = 'dispatched', updated_at = now()
		FROM cte
		WHERE d.id = cte.id
		RETURNING d.id, d.tenant_id, d.pipeline_id, d.rule_id, d.opportunity_id, d.due_at, d.resume_index,
			d.actions_run, d.origin_event_id, d.status, d.created_at`

// InsertDeferred stores a pending item unless its key already exists.
func (r *Repo) InsertDeferred(ctx context.Context, d domain.DeferredAction) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO pipeline_deferred_actions (`+deferredColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (rule_id, opportunity_id, due_at) DO NOTHING`,
		d.ID, d.TenantID, d.PipelineID, d.RuleID, d.OpportunityID, d.DueAt, d.ResumeIndex, d.ActionsRun,
		d.OriginEventID, string(d.Status), d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert deferred action: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDeferred moves one pending item to dispatched.
func (r *Repo) ClaimDeferred(ctx context.Context, id uuid.UUID) (domain.DeferredAction, bool, error) {
	d, err := scanDeferred(r.pool.QueryRow(ctx, `
		UPDATE pipeline_deferred_actions
		SET status = 'dispatched', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deferredColumns, id))
	if err != nil {
		if isNoRows(err) {
			return domain.DeferredAction{}, false, nil
		}
		return domain.DeferredAction{}, false, fmt.Errorf("claim deferred action: %w", err)
	}
	return d, true, nil
}

// ClaimDue claims up to limit due items, skipping rows other workers hold.
func (r *Repo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeferredAction, error) {
	if limit < 1 {
		limit = 50
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, claimDueQuery, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deferred actions: %w", err)
	}
	var out []domain.DeferredAction
	for rows.Next() {
		d, err := scanDeferred(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteDeferred marks a claimed item done.
func (r *Repo) CompleteDeferred(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pipeline_deferred_actions SET status = 'done', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete deferred action: %w", err)
	}
	return nil
}

// CancelDeferredForRule cancels every pending item of a rule.
func (r *Repo) CancelDeferredForRule(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE pipeline_deferred_actions SET status = 'cancelled', updated_at = now()
		WHERE rule_id = $1 AND status = 'pending'
		RETURNING id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("cancel deferred actions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingDeferredRules lists rules of a pipeline with pending items.
func (r *Repo) PendingDeferredRules(ctx context.Context, pipelineID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT rule_id FROM pipeline_deferred_actions
		WHERE pipeline_id = $1 AND status = 'pending'`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list pending deferred rules: %w", err)
	}
	defer rows.Close()

	out := map[uuid.UUID]bool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// MarkDateTriggerFired records a date trigger firing once per key.
func (r *Repo) MarkDateTriggerFired(ctx context.Context, ruleID, opportunityID uuid.UUID, dueDate time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO pipeline_date_trigger_fires (rule_id, opportunity_id, due_date)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, ruleID, opportunityID, dueDate)
	if err != nil {
		return false, fmt.Errorf("mark date trigger fired: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDeferred(row pgx.Row) (domain.DeferredAction, error) {
	var (
		d      domain.DeferredAction
		status string
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.PipelineID, &d.RuleID, &d.OpportunityID, &d.DueAt, &d.ResumeIndex,
		&d.ActionsRun, &d.OriginEventID, &status, &d.CreatedAt); err != nil {
		return domain.DeferredAction{}, err
	}
	d.Status = domain.DeferredStatus(status)
	return d, nil
}
