package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs tests and single-node demos;
// every read returns copies so callers never alias stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	configs   map[uuid.UUID]domain.Configuration
	opps      map[uuid.UUID]domain.Opportunity
	movements map[uuid.UUID][]domain.Movement
	deferred  map[uuid.UUID]domain.DeferredAction
	dateFires map[string]bool
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[uuid.UUID]domain.Configuration),
		opps:      make(map[uuid.UUID]domain.Opportunity),
		movements: make(map[uuid.UUID][]domain.Movement),
		deferred:  make(map[uuid.UUID]domain.DeferredAction),
		dateFires: make(map[string]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

// GetConfiguration implements ConfigurationReader.
func (s *MemoryStore) GetConfiguration(_ context.Context, tenantID, id uuid.UUID) (domain.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok || cfg.TenantID != tenantID {
		return domain.Configuration{}, apperr.NotFound(configurationNotFoundMessage)
	}
	return cfg.Clone(), nil
}

// GetActiveConfiguration implements ConfigurationReader.
func (s *MemoryStore) GetActiveConfiguration(_ context.Context, tenantID uuid.UUID) (domain.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.configs {
		if cfg.TenantID == tenantID && cfg.IsActive {
			return cfg.Clone(), nil
		}
	}
	return domain.Configuration{}, apperr.NotFound("no active pipeline configuration")
}

// ListConfigurations implements ConfigurationReader.
func (s *MemoryStore) ListConfigurations(_ context.Context, tenantID uuid.UUID) ([]domain.Configuration, error) {
	return s.listConfigs(func(c domain.Configuration) bool { return c.TenantID == tenantID }), nil
}

// ListActiveConfigurations implements ConfigurationReader.
func (s *MemoryStore) ListActiveConfigurations(context.Context) ([]domain.Configuration, error) {
	return s.listConfigs(func(c domain.Configuration) bool { return c.IsActive }), nil
}

func (s *MemoryStore) listConfigs(keep func(domain.Configuration) bool) []domain.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Configuration
	for _, cfg := range s.configs {
		if keep(cfg) {
			out = append(out, cfg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SaveConfiguration implements ConfigurationWriter.
func (s *MemoryStore) SaveConfiguration(_ context.Context, cfg domain.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cfg.Clone()
	if existing, ok := s.configs[cfg.ID]; ok {
		if existing.TenantID != cfg.TenantID {
			return apperr.NotFound(configurationNotFoundMessage)
		}
		next.IsActive = existing.IsActive
		for si := range next.Stages {
			for ri := range next.Stages[si].Rules {
				if prev, _, found := existing.FindRule(next.Stages[si].Rules[ri].ID); found {
					next.Stages[si].Rules[ri].ExecutionCount = prev.ExecutionCount
					next.Stages[si].Rules[ri].LastExecutedAt = prev.LastExecutedAt
				}
			}
		}
	}
	s.configs[cfg.ID] = next
	return nil
}

// DeleteConfiguration implements ConfigurationWriter.
func (s *MemoryStore) DeleteConfiguration(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok || cfg.TenantID != tenantID {
		return apperr.NotFound(configurationNotFoundMessage)
	}
	delete(s.configs, id)
	return nil
}

// ActivateConfiguration implements ConfigurationWriter.
func (s *MemoryStore) ActivateConfiguration(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.configs[id]
	if !ok || target.TenantID != tenantID {
		return apperr.NotFound(configurationNotFoundMessage)
	}
	for cid, cfg := range s.configs {
		if cfg.TenantID == tenantID {
			cfg.IsActive = cid == id
			s.configs[cid] = cfg
		}
	}
	return nil
}

// RecordRuleExecution implements ConfigurationWriter.
func (s *MemoryStore) RecordRuleExecution(_ context.Context, ruleID uuid.UUID, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, cfg := range s.configs {
		for si := range cfg.Stages {
			for ri := range cfg.Stages[si].Rules {
				r := &cfg.Stages[si].Rules[ri]
				if r.ID != ruleID {
					continue
				}
				r.ExecutionCount++
				if r.LastExecutedAt == nil || executedAt.After(*r.LastExecutedAt) {
					t := executedAt
					r.LastExecutedAt = &t
				}
				s.configs[cid] = cfg
				return nil
			}
		}
	}
	return apperr.NotFound("rule not found")
}

// GetOpportunity implements OpportunityStore.
func (s *MemoryStore) GetOpportunity(_ context.Context, tenantID, id uuid.UUID) (domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opp, ok := s.opps[id]
	if !ok || opp.TenantID != tenantID {
		return domain.Opportunity{}, apperr.NotFound(opportunityNotFoundMessage)
	}
	return cloneOpportunity(opp), nil
}

// CreateOpportunity implements OpportunityStore.
func (s *MemoryStore) CreateOpportunity(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.opps[opp.ID]; exists {
		return apperr.Conflict("opportunity already exists")
	}
	s.opps[opp.ID] = cloneOpportunity(opp)
	return nil
}

// UpdateOpportunityFields implements OpportunityStore. The stored stage is kept.
func (s *MemoryStore) UpdateOpportunityFields(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.opps[opp.ID]
	if !ok || existing.TenantID != opp.TenantID {
		return apperr.NotFound(opportunityNotFoundMessage)
	}
	next := cloneOpportunity(opp)
	next.StageID = existing.StageID
	next.StageEnteredAt = existing.StageEnteredAt
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = s.now()
	s.opps[opp.ID] = next
	return nil
}

// ListOpportunities implements OpportunityStore.
func (s *MemoryStore) ListOpportunities(_ context.Context, tenantID, pipelineID uuid.UUID) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opportunitiesLocked(tenantID, pipelineID), nil
}

func (s *MemoryStore) opportunitiesLocked(tenantID, pipelineID uuid.UUID) []domain.Opportunity {
	var out []domain.Opportunity
	for _, opp := range s.opps {
		if opp.TenantID == tenantID && opp.PipelineID == pipelineID {
			out = append(out, cloneOpportunity(opp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AppendMovement implements Ledger.
func (s *MemoryStore) AppendMovement(_ context.Context, m domain.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opp, ok := s.opps[m.OpportunityID]
	if !ok || opp.TenantID != m.TenantID {
		return apperr.NotFound(opportunityNotFoundMessage)
	}
	if m.FromStageID == nil {
		if len(s.movements[m.OpportunityID]) > 0 || opp.StageID != m.ToStageID {
			return apperr.Conflict(creationConflictMessage)
		}
	} else if *m.FromStageID != opp.StageID {
		return apperr.Conflict(stageConflictMessage)
	}

	s.movements[m.OpportunityID] = append(s.movements[m.OpportunityID], cloneMovement(m))
	opp.StageID = m.ToStageID
	opp.StageEnteredAt = m.OccurredAt
	opp.UpdatedAt = m.OccurredAt
	s.opps[m.OpportunityID] = opp
	return nil
}

// History implements Ledger.
func (s *MemoryStore) History(_ context.Context, tenantID, opportunityID uuid.UUID) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Movement
	for _, m := range s.movements[opportunityID] {
		if m.TenantID == tenantID {
			out = append(out, cloneMovement(m))
		}
	}
	sortMovements(out)
	return out, nil
}

// Since implements Ledger.
func (s *MemoryStore) Since(_ context.Context, tenantID, pipelineID uuid.UUID, since time.Time) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sinceLocked(tenantID, pipelineID, since), nil
}

func (s *MemoryStore) sinceLocked(tenantID, pipelineID uuid.UUID, since time.Time) []domain.Movement {
	var out []domain.Movement
	for _, list := range s.movements {
		for _, m := range list {
			if m.TenantID == tenantID && m.PipelineID == pipelineID && !m.OccurredAt.Before(since) {
				out = append(out, cloneMovement(m))
			}
		}
	}
	sortMovements(out)
	return out
}

// Snapshot implements SnapshotReader under a single read lock.
func (s *MemoryStore) Snapshot(_ context.Context, tenantID, pipelineID uuid.UUID, since time.Time) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Movements:     s.sinceLocked(tenantID, pipelineID, since),
		Opportunities: s.opportunitiesLocked(tenantID, pipelineID),
		TakenAt:       s.now(),
	}, nil
}

// InsertDeferred implements DeferredStore.
func (s *MemoryStore) InsertDeferred(_ context.Context, d domain.DeferredAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deferred {
		if existing.RuleID == d.RuleID && existing.OpportunityID == d.OpportunityID && existing.DueAt.Equal(d.DueAt) {
			return false, nil
		}
	}
	s.deferred[d.ID] = d
	return true, nil
}

// ClaimDeferred implements DeferredStore.
func (s *MemoryStore) ClaimDeferred(_ context.Context, id uuid.UUID) (domain.DeferredAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deferred[id]
	if !ok || d.Status != domain.DeferredPending {
		return domain.DeferredAction{}, false, nil
	}
	d.Status = domain.DeferredDispatched
	s.deferred[id] = d
	return d, true, nil
}

// ClaimDue implements DeferredStore.
func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.DeferredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.DeferredAction
	for _, d := range s.deferred {
		if d.Due(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.DeferredDispatched
		s.deferred[due[i].ID] = due[i]
	}
	return due, nil
}

// CompleteDeferred implements DeferredStore.
func (s *MemoryStore) CompleteDeferred(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deferred[id]
	if !ok {
		return apperr.NotFound(deferredNotFoundMessage)
	}
	d.Status = domain.DeferredDone
	s.deferred[id] = d
	return nil
}

// CancelDeferredForRule implements DeferredStore.
func (s *MemoryStore) CancelDeferredForRule(_ context.Context, ruleID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []uuid.UUID
	for id, d := range s.deferred {
		if d.RuleID == ruleID && d.Status == domain.DeferredPending {
			d.Status = domain.DeferredCancelled
			s.deferred[id] = d
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

// PendingDeferredRules implements DeferredStore.
func (s *MemoryStore) PendingDeferredRules(_ context.Context, pipelineID uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]bool)
	for _, d := range s.deferred {
		if d.PipelineID == pipelineID && d.Status == domain.DeferredPending {
			out[d.RuleID] = true
		}
	}
	return out, nil
}

// MarkDateTriggerFired implements DeferredStore.
func (s *MemoryStore) MarkDateTriggerFired(_ context.Context, ruleID, opportunityID uuid.UUID, dueDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleID.String() + "/" + opportunityID.String() + "/" + dueDate.UTC().Format(time.RFC3339)
	if s.dateFires[key] {
		return false, nil
	}
	s.dateFires[key] = true
	return true, nil
}

// Deferred returns a copy of one deferred item. Tests use it to inspect status.
func (s *MemoryStore) Deferred(id uuid.UUID) (domain.DeferredAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deferred[id]
	return d, ok
}

func cloneOpportunity(o domain.Opportunity) domain.Opportunity {
	out := o
	if o.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(o.CustomFields))
		for k, v := range o.CustomFields {
			out.CustomFields[k] = v
		}
	}
	if o.ExpectedCloseDate != nil {
		t := *o.ExpectedCloseDate
		out.ExpectedCloseDate = &t
	}
	return out
}

func cloneMovement(m domain.Movement) domain.Movement {
	out := m
	out.CriteriaWarnings = append([]string(nil), m.CriteriaWarnings...)
	return out
}

func sortMovements(list []domain.Movement) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].OccurredAt.Before(list[j].OccurredAt) })
}
