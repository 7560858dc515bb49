package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	configurationNotFoundMessage = "pipeline configuration not found"
	opportunityNotFoundMessage   = "opportunity not found"
	deferredNotFoundMessage      = "deferred action not found"
	stageConflictMessage         = "opportunity stage changed concurrently"
	creationConflictMessage      = "opportunity already has a creation entry or is not at the recorded stage"
)

// Repo implements Store with PostgreSQL.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new pipeline repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Store.
var _ Store = (*Repo)(nil)

const selectConfigurationsColumns = `
		SELECT id, tenant_id, name, dwell_targets, conversion_targets, custom_fields, is_active, created_at, updated_at
		FROM pipeline_configurations`

const getConfigurationQuery = selectConfigurationsColumns + `
		WHERE id = $1 AND tenant_id = $2`

const getActiveConfigurationQuery = selectConfigurationsColumns + `
		WHERE tenant_id = $1 AND is_active
		LIMIT 1`

const listConfigurationsQuery = selectConfigurationsColumns + `
		WHERE tenant_id = $1
		ORDER BY created_at ASC`

const listActiveConfigurationsQuery = selectConfigurationsColumns + `
		WHERE is_active
		ORDER BY tenant_id, created_at ASC`

const listStagesQuery = `
		SELECT id, pipeline_id, name, position, target_probability, required_fields, is_default
		FROM pipeline_stages
		WHERE pipeline_id = ANY($1::uuid[])
		ORDER BY pipeline_id, position ASC`

const listRulesQuery = `
		SELECT id, stage_id, name, trigger_type, trigger_config, conditions, actions, is_active, execution_count, last_executed_at
		FROM pipeline_rules
		WHERE pipeline_id = ANY($1::uuid[])
		ORDER BY stage_id, rule_order ASC`

// GetConfiguration loads one configuration scoped to the tenant.
func (r *Repo) GetConfiguration(ctx context.Context, tenantID, id uuid.UUID) (domain.Configuration, error) {
	cfgs, err := r.loadConfigurations(ctx, getConfigurationQuery, id, tenantID)
	if err != nil {
		return domain.Configuration{}, fmt.Errorf("get configuration: %w", err)
	}
	if len(cfgs) == 0 {
		return domain.Configuration{}, apperr.NotFound(configurationNotFoundMessage)
	}
	return cfgs[0], nil
}

// GetActiveConfiguration loads the tenant's active configuration.
func (r *Repo) GetActiveConfiguration(ctx context.Context, tenantID uuid.UUID) (domain.Configuration, error) {
	cfgs, err := r.loadConfigurations(ctx, getActiveConfigurationQuery, tenantID)
	if err != nil {
		return domain.Configuration{}, fmt.Errorf("get active configuration: %w", err)
	}
	if len(cfgs) == 0 {
		return domain.Configuration{}, apperr.NotFound("no active pipeline configuration")
	}
	return cfgs[0], nil
}

// ListConfigurations lists the tenant's configurations.
func (r *Repo) ListConfigurations(ctx context.Context, tenantID uuid.UUID) ([]domain.Configuration, error) {
	cfgs, err := r.loadConfigurations(ctx, listConfigurationsQuery, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	return cfgs, nil
}

// ListActiveConfigurations lists active configurations of every tenant.
func (r *Repo) ListActiveConfigurations(ctx context.Context) ([]domain.Configuration, error) {
	cfgs, err := r.loadConfigurations(ctx, listActiveConfigurationsQuery)
	if err != nil {
		return nil, fmt.Errorf("list active configurations: %w", err)
	}
	return cfgs, nil
}

func (r *Repo) loadConfigurations(ctx context.Context, query string, args ...any) ([]domain.Configuration, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		cfgs  []domain.Configuration
		ids   []uuid.UUID
		index = map[uuid.UUID]int{}
	)
	for rows.Next() {
		var (
			cfg                                   domain.Configuration
			dwellRaw, conversionRaw, customFields []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.Name, &dwellRaw, &conversionRaw, &customFields,
			&cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		if cfg.DwellTargets, err = decodeDwellTargets(dwellRaw); err != nil {
			return nil, err
		}
		if cfg.ConversionTargets, err = decodeConversionTargets(conversionRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(customFields, &cfg.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
		index[cfg.ID] = len(cfgs)
		ids = append(ids, cfg.ID)
		cfgs = append(cfgs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cfgs) == 0 {
		return nil, nil
	}

	stageOwner, err := r.attachStages(ctx, cfgs, index, ids)
	if err != nil {
		return nil, err
	}
	if err := r.attachRules(ctx, cfgs, stageOwner, ids); err != nil {
		return nil, err
	}
	return cfgs, nil
}

type stageRef struct {
	cfg, stage int
}

func (r *Repo) attachStages(ctx context.Context, cfgs []domain.Configuration, index map[uuid.UUID]int, ids []uuid.UUID) (map[uuid.UUID]stageRef, error) {
	rows, err := r.pool.Query(ctx, listStagesQuery, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owner := map[uuid.UUID]stageRef{}
	for rows.Next() {
		var (
			s          domain.Stage
			pipelineID uuid.UUID
		)
		if err := rows.Scan(&s.ID, &pipelineID, &s.Name, &s.Position, &s.TargetProbability, &s.RequiredFields, &s.IsDefault); err != nil {
			return nil, err
		}
		ci := index[pipelineID]
		owner[s.ID] = stageRef{cfg: ci, stage: len(cfgs[ci].Stages)}
		cfgs[ci].Stages = append(cfgs[ci].Stages, s)
	}
	return owner, rows.Err()
}

func (r *Repo) attachRules(ctx context.Context, cfgs []domain.Configuration, owner map[uuid.UUID]stageRef, ids []uuid.UUID) error {
	rows, err := r.pool.Query(ctx, listRulesQuery, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rule                              domain.Rule
			triggerType                       string
			triggerConfig, conditions, action []byte
		)
		if err := rows.Scan(&rule.ID, &rule.StageID, &rule.Name, &triggerType, &triggerConfig, &conditions, &action,
			&rule.IsActive, &rule.ExecutionCount, &rule.LastExecutedAt); err != nil {
			return err
		}
		rule.Trigger.Type = domain.TriggerType(triggerType)
		if err := json.Unmarshal(triggerConfig, &rule.Trigger.Config); err != nil {
			return fmt.Errorf("decode trigger config: %w", err)
		}
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return fmt.Errorf("decode conditions: %w", err)
		}
		if err := json.Unmarshal(action, &rule.Actions); err != nil {
			return fmt.Errorf("decode actions: %w", err)
		}
		ref, ok := owner[rule.StageID]
		if !ok {
			continue
		}
		stage := &cfgs[ref.cfg].Stages[ref.stage]
		stage.Rules = append(stage.Rules, rule)
	}
	return rows.Err()
}

// SaveConfiguration upserts the configuration, its stages and rule
// definitions in one transaction. Stages and rules missing from cfg are deleted.
func (r *Repo) SaveConfiguration(ctx context.Context, cfg domain.Configuration) error {
	dwell, err := encodeDwellTargets(cfg.DwellTargets)
	if err != nil {
		return err
	}
	conversion, err := json.Marshal(stringKeyed(cfg.ConversionTargets))
	if err != nil {
		return err
	}
	customFields, err := json.Marshal(nonNilFields(cfg.CustomFields))
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save configuration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO pipeline_configurations (id, tenant_id, name, dwell_targets, conversion_targets, custom_fields, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			dwell_targets = EXCLUDED.dwell_targets,
			conversion_targets = EXCLUDED.conversion_targets,
			custom_fields = EXCLUDED.custom_fields,
			updated_at = EXCLUDED.updated_at
		WHERE pipeline_configurations.tenant_id = EXCLUDED.tenant_id`,
		cfg.ID, cfg.TenantID, cfg.Name, dwell, conversion, customFields, cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(configurationNotFoundMessage)
	}

	stageIDs := make([]uuid.UUID, 0, len(cfg.Stages))
	var ruleIDs []uuid.UUID
	for _, s := range cfg.Stages {
		stageIDs = append(stageIDs, s.ID)
		for _, rule := range s.Rules {
			ruleIDs = append(ruleIDs, rule.ID)
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM pipeline_rules
		WHERE pipeline_id = $1
		  AND NOT (id = ANY($2::uuid[]))`, cfg.ID, nonNilIDs(ruleIDs)); err != nil {
		return fmt.Errorf("delete removed rules: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM pipeline_stages
		WHERE pipeline_id = $1
		  AND NOT (id = ANY($2::uuid[]))`, cfg.ID, nonNilIDs(stageIDs)); err != nil {
		return fmt.Errorf("delete removed stages: %w", err)
	}

	for _, s := range cfg.Stages {
		if err := upsertStageTx(ctx, tx, cfg.ID, s); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save configuration: %w", err)
	}
	return nil
}

func upsertStageTx(ctx context.Context, tx pgx.Tx, pipelineID uuid.UUID, s domain.Stage) error {
	required := s.RequiredFields
	if required == nil {
		required = []string{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pipeline_stages (id, pipeline_id, name, position, target_probability, required_fields, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			position = EXCLUDED.position,
			target_probability = EXCLUDED.target_probability,
			required_fields = EXCLUDED.required_fields,
			is_default = EXCLUDED.is_default`,
		s.ID, pipelineID, s.Name, s.Position, s.TargetProbability, required, s.IsDefault); err != nil {
		return fmt.Errorf("upsert stage %s: %w", s.ID, err)
	}

	for order, rule := range s.Rules {
		if err := upsertRuleTx(ctx, tx, pipelineID, order, rule); err != nil {
			return err
		}
	}
	return nil
}

// upsertRuleTx writes the rule definition. Execution bookkeeping is owned by
// RecordRuleExecution and is never overwritten here.
func upsertRuleTx(ctx context.Context, tx pgx.Tx, pipelineID uuid.UUID, order int, rule domain.Rule) error {
	triggerConfig, err := json.Marshal(nonNilMap(rule.Trigger.Config))
	if err != nil {
		return err
	}
	conditions, err := json.Marshal(nonNilConditions(rule.Conditions))
	if err != nil {
		return err
	}
	actions, err := json.Marshal(nonNilActions(rule.Actions))
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pipeline_rules (id, pipeline_id, stage_id, name, rule_order, trigger_type, trigger_config, conditions, actions, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			stage_id = EXCLUDED.stage_id,
			name = EXCLUDED.name,
			rule_order = EXCLUDED.rule_order,
			trigger_type = EXCLUDED.trigger_type,
			trigger_config = EXCLUDED.trigger_config,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			is_active = EXCLUDED.is_active`,
		rule.ID, pipelineID, rule.StageID, rule.Name, order, string(rule.Trigger.Type),
		triggerConfig, conditions, actions, rule.IsActive); err != nil {
		return fmt.Errorf("upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteConfiguration removes a configuration and, by cascade, its stages,
// rules and opportunities.
func (r *Repo) DeleteConfiguration(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pipeline_configurations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(configurationNotFoundMessage)
	}
	return nil
}

// ActivateConfiguration makes id the tenant's only active configuration.
func (r *Repo) ActivateConfiguration(ctx context.Context, tenantID, id uuid.UUID) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin activate configuration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE pipeline_configurations SET is_active = FALSE, updated_at = now()
		WHERE tenant_id = $1 AND is_active AND id <> $2`, tenantID, id); err != nil {
		return fmt.Errorf("deactivate configurations: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE pipeline_configurations SET is_active = TRUE, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("activate configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(configurationNotFoundMessage)
	}
	return tx.Commit(ctx)
}

// RecordRuleExecution increments a rule's counter and moves lastExecuted forward.
func (r *Repo) RecordRuleExecution(ctx context.Context, ruleID uuid.UUID, executedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pipeline_rules
		SET execution_count = execution_count + 1,
		    last_executed_at = GREATEST(COALESCE(last_executed_at, $2), $2)
		WHERE id = $1`, ruleID, executedAt)
	if err != nil {
		return fmt.Errorf("record rule execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("rule not found")
	}
	return nil
}

func encodeDwellTargets(targets map[uuid.UUID]time.Duration) ([]byte, error) {
	out := make(map[string]int64, len(targets))
	for id, d := range targets {
		out[id.String()] = int64(d / time.Second)
	}
	return json.Marshal(out)
}

func decodeDwellTargets(raw []byte) (map[uuid.UUID]time.Duration, error) {
	var seconds map[string]int64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return nil, fmt.Errorf("decode dwell targets: %w", err)
	}
	out := make(map[uuid.UUID]time.Duration, len(seconds))
	for key, s := range seconds {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("decode dwell targets: %w", err)
		}
		out[id] = time.Duration(s) * time.Second
	}
	return out, nil
}

func decodeConversionTargets(raw []byte) (map[uuid.UUID]float64, error) {
	var byKey map[string]float64
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode conversion targets: %w", err)
	}
	out := make(map[uuid.UUID]float64, len(byKey))
	for key, v := range byKey {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("decode conversion targets: %w", err)
		}
		out[id] = v
	}
	return out, nil
}

func stringKeyed(m map[uuid.UUID]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return out
}

func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilConditions(c []domain.Condition) []domain.Condition {
	if c == nil {
		return []domain.Condition{}
	}
	return c
}

func nonNilActions(a []domain.Action) []domain.Action {
	if a == nil {
		return []domain.Action{}
	}
	return a
}

func nonNilFields(f []domain.FieldDefinition) []domain.FieldDefinition {
	if f == nil {
		return []domain.FieldDefinition{}
	}
	return f
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
