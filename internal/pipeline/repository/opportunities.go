package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const opportunityColumns = `id, tenant_id, pipeline_id, stage_id, name, value, probability, owner_id, source, priority,
		expected_close_date, custom_fields, stage_entered_at, created_at, updated_at`

const getOpportunityQuery = `
		SELECT ` + opportunityColumns + `
		FROM pipeline_opportunities
		WHERE id = $1 AND tenant_id = $2`

const listOpportunitiesQuery = `
		SELECT ` + opportunityColumns + `
		FROM pipeline_opportunities
		WHERE tenant_id = $1 AND pipeline_id = $2
		ORDER BY created_at ASC`

// GetOpportunity loads one opportunity scoped to the tenant.
func (r *Repo) GetOpportunity(ctx context.Context, tenantID, id uuid.UUID) (domain.Opportunity, error) {
	opp, err := scanOpportunity(r.pool.QueryRow(ctx, getOpportunityQuery, id, tenantID))
	if err != nil {
		if isNoRows(err) {
			return domain.Opportunity{}, apperr.NotFound(opportunityNotFoundMessage)
		}
		return domain.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	return opp, nil
}

// CreateOpportunity inserts a new opportunity.
func (r *Repo) CreateOpportunity(ctx context.Context, opp domain.Opportunity) error {
	custom, err := json.Marshal(nonNilMap(opp.CustomFields))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipeline_opportunities (`+opportunityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		opp.ID, opp.TenantID, opp.PipelineID, opp.StageID, opp.Name, opp.Value, opp.Probability,
		opp.OwnerID, opp.Source, opp.Priority, opp.ExpectedCloseDate, custom,
		opp.StageEnteredAt, opp.CreatedAt, opp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create opportunity: %w", err)
	}
	return nil
}

// UpdateOpportunityFields writes every field except the stage, which only the
// ledger changes.
func (r *Repo) UpdateOpportunityFields(ctx context.Context, opp domain.Opportunity) error {
	custom, err := json.Marshal(nonNilMap(opp.CustomFields))
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE pipeline_opportunities
		SET name = $3, value = $4, probability = $5, owner_id = $6, source = $7, priority = $8,
		    expected_close_date = $9, custom_fields = $10, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`,
		opp.ID, opp.TenantID, opp.Name, opp.Value, opp.Probability, opp.OwnerID, opp.Source, opp.Priority,
		opp.ExpectedCloseDate, custom)
	if err != nil {
		return fmt.Errorf("update opportunity fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(opportunityNotFoundMessage)
	}
	return nil
}

// ListOpportunities lists the opportunities of one pipeline.
func (r *Repo) ListOpportunities(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]domain.Opportunity, error) {
	return queryOpportunities(ctx, r.pool, tenantID, pipelineID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryOpportunities(ctx context.Context, q querier, tenantID, pipelineID uuid.UUID) ([]domain.Opportunity, error) {
	rows, err := q.Query(ctx, listOpportunitiesQuery, tenantID, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, opp)
	}
	return out, rows.Err()
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		opp    domain.Opportunity
		custom []byte
	)
	err := row.Scan(&opp.ID, &opp.TenantID, &opp.PipelineID, &opp.StageID, &opp.Name, &opp.Value, &opp.Probability,
		&opp.OwnerID, &opp.Source, &opp.Priority, &opp.ExpectedCloseDate, &custom,
		&opp.StageEnteredAt, &opp.CreatedAt, &opp.UpdatedAt)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &opp.CustomFields); err != nil {
			return domain.Opportunity{}, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return opp, nil
}
