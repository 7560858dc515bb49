package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Snapshot reads movements and opportunities in one read-only repeatable-read
// transaction so both views agree with each other.
func (r *Repo) Snapshot(ctx context.Context, tenantID, pipelineID uuid.UUID, since time.Time) (Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var takenAt time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&takenAt); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot clock: %w", err)
	}
	movements, err := queryMovements(ctx, tx, sinceQuery, tenantID, pipelineID, since)
	if err != nil {
		return Snapshot{}, err
	}
	opps, err := queryOpportunities(ctx, tx, tenantID, pipelineID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}

	return Snapshot{Movements: movements, Opportunities: opps, TakenAt: takenAt.UTC()}, nil
}
