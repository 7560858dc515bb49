package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
)

// MemoryStore keeps outbox rows in process. It backs tests and deployments
// running without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*Repository)(nil)

func (s *MemoryStore) Insert(_ context.Context, req domain.DispatchRequest, runAt time.Time) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if runAt.IsZero() {
		runAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[req.ID]; exists {
		return nil
	}
	s.records[req.ID] = Record{
		ID:            req.ID,
		TenantID:      req.TenantID,
		Kind:          req.Kind,
		Target:        req.Target,
		Payload:       payload,
		RuleID:        req.RuleID,
		OpportunityID: req.OpportunityID,
		RunAt:         runAt,
		Status:        StatusPending,
	}
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Record
	for _, rec := range s.records {
		if rec.Status == StatusPending && !rec.RunAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusEnqueued
		s.records[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) MarkPending(_ context.Context, id uuid.UUID, lastError *string) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusPending
		rec.LastError = lastError
	})
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusProcessing
		rec.Attempts++
	})
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusSucceeded
		rec.LastError = nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return s.update(id, func(rec *Record) {
		rec.Status = StatusFailed
		rec.LastError = &lastError
	})
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	s.records[id] = rec
	return nil
}
