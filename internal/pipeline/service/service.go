// Package service is the application layer of the pipeline module. It owns
// configuration writes, which are validated against the stage graph before
// anything is persisted, and fronts the automation and analytics engines for
// the HTTP handlers.
package service

import (
	"context"
	"strings"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/analytics"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/internal/pipeline/transport"
	"pipeline_engine_backend/platform/apperr"
	"pipeline_engine_backend/platform/lock"
	"pipeline_engine_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	changeCreated     = "created"
	changeUpdated     = "updated"
	changeDeleted     = "deleted"
	changeActivated   = "activated"
	changeStages      = "stages"
	changeRules       = "rules"
	defaultPriority   = "medium"
	pipelineLockScope = "pipeline:"
)

// Service provides pipeline configuration and automation operations.
type Service struct {
	store     repository.Store
	engine    *automation.Engine
	analytics *analytics.Service
	bus       events.Bus
	locker    lock.Locker
	log       *logger.Logger
	templates map[string]Template
	now       func() time.Time
}

// New creates the pipeline service. Templates are loaded from the embedded
// catalogue; a broken catalogue is a programming error and fails New.
func New(store repository.Store, engine *automation.Engine, analyticsSvc *analytics.Service, bus events.Bus, log *logger.Logger) (*Service, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:     store,
		engine:    engine,
		analytics: analyticsSvc,
		bus:       bus,
		locker:    lock.NewLocalLocker(),
		log:       log,
		templates: templates,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetLocker replaces the in-process lock used for configuration writes.
func (s *Service) SetLocker(l lock.Locker) {
	if l != nil {
		s.locker = l
	}
}

// ListPipelines returns every configuration of the tenant.
func (s *Service) ListPipelines(ctx context.Context, tenantID uuid.UUID) ([]transport.PipelineResponse, error) {
	cfgs, err := s.store.ListConfigurations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]transport.PipelineResponse, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, toPipelineResponse(cfg))
	}
	return out, nil
}

// GetPipeline returns one configuration.
func (s *Service) GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (transport.PipelineResponse, error) {
	cfg, err := s.store.GetConfiguration(ctx, tenantID, id)
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// CreatePipeline validates and stores a new configuration.
func (s *Service) CreatePipeline(ctx context.Context, tenantID uuid.UUID, req transport.CreatePipelineRequest) (transport.PipelineResponse, error) {
	cfg := domain.NewConfiguration(tenantID, req.Name, s.now())
	cfg.CustomFields = append(cfg.CustomFields, req.CustomFields...)
	for _, sr := range req.Stages {
		if _, err := addStage(&cfg, sr); err != nil {
			return transport.PipelineResponse{}, err
		}
	}
	return s.createConfiguration(ctx, cfg, req.Activate)
}

func (s *Service) createConfiguration(ctx context.Context, cfg domain.Configuration, activate bool) (transport.PipelineResponse, error) {
	if err := cfg.ValidateGraph(); err != nil {
		return transport.PipelineResponse{}, err
	}
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		return transport.PipelineResponse{}, err
	}
	if activate {
		if err := s.store.ActivateConfiguration(ctx, cfg.TenantID, cfg.ID); err != nil {
			return transport.PipelineResponse{}, err
		}
		cfg.IsActive = true
	}

	s.log.Info("pipeline created", "pipeline_id", cfg.ID, "tenant_id", cfg.TenantID, "stages", len(cfg.Stages))
	s.announce(ctx, cfg, changeCreated)
	return toPipelineResponse(cfg), nil
}

// UpdatePipeline renames a pipeline or replaces its custom field declarations.
func (s *Service) UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID, req transport.UpdatePipelineRequest) (transport.PipelineResponse, error) {
	cfg, err := s.mutate(ctx, tenantID, id, changeUpdated, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		if req.Name != nil {
			cfg.Name = strings.TrimSpace(*req.Name)
		}
		if req.CustomFields != nil {
			cfg.CustomFields = append([]domain.FieldDefinition(nil), (*req.CustomFields)...)
		}
		return nil, nil
	})
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// DeletePipeline removes a configuration and cancels the pending deferred
// actions of all its rules. Ledger history is kept.
func (s *Service) DeletePipeline(ctx context.Context, tenantID, id uuid.UUID) error {
	unlock, err := s.locker.Lock(ctx, pipelineLockScope+id.String())
	if err != nil {
		return err
	}
	defer unlock()

	cfg, err := s.store.GetConfiguration(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConfiguration(ctx, tenantID, id); err != nil {
		return err
	}
	s.cancelRules(ctx, ruleIDs(cfg.AllRules()))

	s.log.Info("pipeline deleted", "pipeline_id", id, "tenant_id", tenantID)
	s.announce(ctx, cfg, changeDeleted)
	return nil
}

// ActivatePipeline makes id the tenant's active configuration.
func (s *Service) ActivatePipeline(ctx context.Context, tenantID, id uuid.UUID) (transport.PipelineResponse, error) {
	if err := s.store.ActivateConfiguration(ctx, tenantID, id); err != nil {
		return transport.PipelineResponse{}, err
	}
	cfg, err := s.store.GetConfiguration(ctx, tenantID, id)
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	s.log.Info("pipeline activated", "pipeline_id", id, "tenant_id", tenantID)
	s.announce(ctx, cfg, changeActivated)
	return toPipelineResponse(cfg), nil
}

// AddStage inserts a stage at the requested position, appending by default.
func (s *Service) AddStage(ctx context.Context, tenantID, pipelineID uuid.UUID, req transport.StageRequest) (transport.PipelineResponse, error) {
	cfg, err := s.mutate(ctx, tenantID, pipelineID, changeStages, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		_, err := addStage(cfg, req)
		return nil, err
	})
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// UpdateStage patches one stage and its targets.
func (s *Service) UpdateStage(ctx context.Context, tenantID, pipelineID, stageID uuid.UUID, req transport.UpdateStageRequest) (transport.PipelineResponse, error) {
	cfg, err := s.mutate(ctx, tenantID, pipelineID, changeStages, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		patch := domain.StagePatch{
			Name:              req.Name,
			TargetProbability: req.TargetProbability,
			RequiredFields:    req.RequiredFields,
			IsDefault:         req.IsDefault,
			ConversionTarget:  req.ConversionTarget,
		}
		if req.DwellTargetHours != nil {
			d := hoursToDuration(*req.DwellTargetHours)
			patch.DwellTarget = &d
		}
		_, err := cfg.UpdateStage(stageID, patch)
		return nil, err
	})
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// RemoveStage deletes a stage with its rules. Pending deferred actions of
// those rules are cancelled.
func (s *Service) RemoveStage(ctx context.Context, tenantID, pipelineID, stageID uuid.UUID) (transport.PipelineResponse, error) {
	cfg, err := s.mutate(ctx, tenantID, pipelineID, changeStages, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		removed, err := cfg.RemoveStage(stageID)
		if err != nil {
			return nil, err
		}
		return ruleIDs(removed.Rules), nil
	})
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// ReorderStages assigns positions following the given stage order.
func (s *Service) ReorderStages(ctx context.Context, tenantID, pipelineID uuid.UUID, req transport.ReorderStagesRequest) (transport.PipelineResponse, error) {
	cfg, err := s.mutate(ctx, tenantID, pipelineID, changeStages, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		return nil, cfg.ReorderStages(req.StageIDs)
	})
	if err != nil {
		return transport.PipelineResponse{}, err
	}
	return toPipelineResponse(cfg), nil
}

// CreateRule attaches a rule to a stage. Rules are active unless the request
// says otherwise.
func (s *Service) CreateRule(ctx context.Context, tenantID, pipelineID, stageID uuid.UUID, req transport.RuleRequest) (transport.RuleResponse, error) {
	var created domain.Rule
	_, err := s.mutate(ctx, tenantID, pipelineID, changeRules, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		rule, err := cfg.AddRule(stageID, ruleFromRequest(uuid.Nil, req, true))
		created = rule
		return nil, err
	})
	if err != nil {
		return transport.RuleResponse{}, err
	}
	return toRuleResponse(created), nil
}

// UpdateRule replaces a rule definition. Deactivating it through the update
// cancels its pending deferred actions.
func (s *Service) UpdateRule(ctx context.Context, tenantID, pipelineID, ruleID uuid.UUID, req transport.RuleRequest) (transport.RuleResponse, error) {
	var updated domain.Rule
	_, err := s.mutate(ctx, tenantID, pipelineID, changeRules, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		existing, _, ok := cfg.FindRule(ruleID)
		if !ok {
			return nil, apperr.NotFound("rule not found").WithOp("UpdateRule")
		}
		rule, err := cfg.ReplaceRule(ruleFromRequest(ruleID, req, existing.IsActive))
		if err != nil {
			return nil, err
		}
		updated = rule
		if existing.IsActive && !rule.IsActive {
			return []uuid.UUID{ruleID}, nil
		}
		return nil, nil
	})
	if err != nil {
		return transport.RuleResponse{}, err
	}
	return toRuleResponse(updated), nil
}

// SetRuleActive activates or deactivates a rule. Deactivation cancels its
// pending deferred actions; a rule that is mid-execution finishes its current
// action list.
func (s *Service) SetRuleActive(ctx context.Context, tenantID, pipelineID, ruleID uuid.UUID, active bool) (transport.RuleResponse, error) {
	var updated domain.Rule
	_, err := s.mutate(ctx, tenantID, pipelineID, changeRules, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		rule, err := cfg.SetRuleActive(ruleID, active)
		if err != nil {
			return nil, err
		}
		updated = rule
		if !active {
			return []uuid.UUID{ruleID}, nil
		}
		return nil, nil
	})
	if err != nil {
		return transport.RuleResponse{}, err
	}
	return toRuleResponse(updated), nil
}

// DeleteRule detaches a rule and cancels its pending deferred actions.
func (s *Service) DeleteRule(ctx context.Context, tenantID, pipelineID, ruleID uuid.UUID) error {
	_, err := s.mutate(ctx, tenantID, pipelineID, changeRules, func(cfg *domain.Configuration) ([]uuid.UUID, error) {
		removed, err := cfg.RemoveRule(ruleID)
		if err != nil {
			return nil, err
		}
		return []uuid.UUID{removed.ID}, nil
	})
	return err
}

// ListRules reports every rule of the pipeline with its current state.
func (s *Service) ListRules(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]transport.RuleStatusResponse, error) {
	cfg, err := s.store.GetConfiguration(ctx, tenantID, pipelineID)
	if err != nil {
		return nil, err
	}
	states, err := s.engine.RuleStates(ctx, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]transport.RuleStatusResponse, 0, len(states))
	for _, st := range states {
		out = append(out, transport.RuleStatusResponse{
			RuleID:         st.RuleID,
			StageID:        st.StageID,
			StageName:      st.StageName,
			Name:           st.Name,
			Trigger:        st.Trigger,
			State:          string(st.State),
			ExecutionCount: st.ExecutionCount,
			LastExecutedAt: st.LastExecutedAt,
		})
	}
	return out, nil
}

// mutate serializes a configuration write: load, apply fn, validate the whole
// graph, persist, then cancel the deferred work of the rules fn reports as
// gone or inactive.
func (s *Service) mutate(ctx context.Context, tenantID, id uuid.UUID, change string, fn func(cfg *domain.Configuration) ([]uuid.UUID, error)) (domain.Configuration, error) {
	unlock, err := s.locker.Lock(ctx, pipelineLockScope+id.String())
	if err != nil {
		return domain.Configuration{}, err
	}
	defer unlock()

	cfg, err := s.store.GetConfiguration(ctx, tenantID, id)
	if err != nil {
		return domain.Configuration{}, err
	}
	cancelled, err := fn(&cfg)
	if err != nil {
		return domain.Configuration{}, err
	}
	if err := cfg.ValidateGraph(); err != nil {
		return domain.Configuration{}, err
	}
	cfg.UpdatedAt = s.now()
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		return domain.Configuration{}, err
	}
	s.cancelRules(ctx, cancelled)

	s.log.Info("pipeline configuration changed", "pipeline_id", id, "change", change)
	s.announce(ctx, cfg, change)
	return cfg, nil
}

func (s *Service) cancelRules(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		n, err := s.engine.CancelRule(ctx, id)
		if err != nil {
			s.log.Error("failed to cancel deferred actions", "rule_id", id, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("deferred actions cancelled", "rule_id", id, "count", n)
		}
	}
}

func (s *Service) announce(ctx context.Context, cfg domain.Configuration, change string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.ConfigurationChanged{
		BaseEvent:  events.NewBaseEvent(),
		TenantID:   cfg.TenantID,
		PipelineID: cfg.ID,
		Change:     change,
	})
}

func addStage(cfg *domain.Configuration, req transport.StageRequest) (domain.Stage, error) {
	at := -1
	if req.Position != nil {
		at = *req.Position
	}
	stage, err := cfg.AddStage(domain.Stage{
		Name:              req.Name,
		TargetProbability: req.TargetProbability,
		RequiredFields:    append([]string(nil), req.RequiredFields...),
		IsDefault:         req.IsDefault,
	}, at)
	if err != nil {
		return domain.Stage{}, err
	}
	if cfg.DwellTargets == nil {
		cfg.DwellTargets = map[uuid.UUID]time.Duration{}
	}
	if cfg.ConversionTargets == nil {
		cfg.ConversionTargets = map[uuid.UUID]float64{}
	}
	if req.DwellTargetHours != nil && *req.DwellTargetHours > 0 {
		cfg.DwellTargets[stage.ID] = hoursToDuration(*req.DwellTargetHours)
	}
	if req.ConversionTarget != nil {
		cfg.ConversionTargets[stage.ID] = *req.ConversionTarget
	}
	return stage, nil
}

func ruleFromRequest(id uuid.UUID, req transport.RuleRequest, defaultActive bool) domain.Rule {
	active := defaultActive
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return domain.Rule{
		ID:         id,
		Name:       strings.TrimSpace(req.Name),
		Trigger:    req.Trigger,
		Conditions: req.Conditions,
		Actions:    req.Actions,
		IsActive:   active,
	}
}

func ruleIDs(rules []domain.Rule) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
