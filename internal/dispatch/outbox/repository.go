// Package outbox persists dispatch requests until the scheduler hands them to
// a worker for delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusEnqueued       Status = "enqueued"
	StatusProcessing     Status = "processing"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	errRepoNotConfigured        = "outbox repository not configured"
)

// ErrNotFound is returned by GetByID for unknown ids.
var ErrNotFound = errors.New("outbox record not found")

type Record struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Kind          domain.DispatchKind
	Target        string
	Payload       json.RawMessage
	RuleID        uuid.UUID
	OpportunityID uuid.UUID
	RunAt         time.Time
	Status        Status
	Attempts      int
	LastError     *string
}

// Request decodes the stored row back into the request the engine produced.
func (r Record) Request() (domain.DispatchRequest, error) {
	req := domain.DispatchRequest{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Kind:          r.Kind,
		Target:        r.Target,
		RuleID:        r.RuleID,
		OpportunityID: r.OpportunityID,
		CreatedAt:     r.RunAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &req.Payload); err != nil {
			return domain.DispatchRequest{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return req, nil
}

// Store is the persistence contract the dispatcher and worker depend on.
type Store interface {
	Insert(ctx context.Context, req domain.DispatchRequest, runAt time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (Record, error)
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	MarkPending(ctx context.Context, id uuid.UUID, lastError *string) error
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, req domain.DispatchRequest, runAt time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	payloadBytes, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO dispatch_outbox (id, tenant_id, kind, target, payload, rule_id, opportunity_id, run_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		 ON CONFLICT (id) DO NOTHING`,
		req.ID, req.TenantID, string(req.Kind), req.Target, payloadBytes,
		nullableUUID(req.RuleID), nullableUUID(req.OpportunityID), runAt,
	)
	return err
}

const recordColumns = `id, tenant_id, kind, target, payload, rule_id, opportunity_id, run_at, status, attempts, last_error`

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	if r == nil || r.pool == nil {
		return Record{}, errors.New(errRepoNotConfigured)
	}

	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM dispatch_outbox
		 WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ClaimPending moves up to limit due rows to enqueued and returns them. Rows
// locked by a concurrent claimer are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New(errRepoNotConfigured)
	}
	if limit < 1 {
		limit = 50
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM dispatch_outbox
		WHERE status = 'pending' AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE dispatch_outbox o
	SET status = 'enqueued', updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING o.id, o.tenant_id, o.kind, o.target, o.payload, o.rule_id, o.opportunity_id, o.run_at, o.status, o.attempts, o.last_error`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository) MarkPending(ctx context.Context, id uuid.UUID, lastError *string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'pending', last_error = $2, updated_at = now()
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'processing', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	return err
}

func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'succeeded', last_error = NULL, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var kind, status string
	var ruleID, oppID *uuid.UUID
	if err := row.Scan(&rec.ID, &rec.TenantID, &kind, &rec.Target, &rec.Payload, &ruleID, &oppID,
		&rec.RunAt, &status, &rec.Attempts, &rec.LastError); err != nil {
		return Record{}, err
	}
	rec.Kind = domain.DispatchKind(kind)
	rec.Status = Status(status)
	if ruleID != nil {
		rec.RuleID = *ruleID
	}
	if oppID != nil {
		rec.OpportunityID = *oppID
	}
	return rec, nil
}

func validateRequest(req domain.DispatchRequest) error {
	if req.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if req.TenantID == uuid.Nil {
		return fmt.Errorf("tenantId is required")
	}
	if req.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	return nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
