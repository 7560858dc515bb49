// Package dispatch hands automation side effects to their channels. The
// engine writes requests to the outbox; delivery happens later, from a
// scheduler worker or the in-process relay.
package dispatch

import (
	"context"
	"fmt"

	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/logger"
)

// OutboxDispatcher persists requests so a crash between the engine's commit
// and delivery loses nothing.
type OutboxDispatcher struct {
	store outbox.Store
	log   *logger.Logger
}

func NewOutboxDispatcher(store outbox.Store, log *logger.Logger) *OutboxDispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &OutboxDispatcher{store: store, log: log}
}

var _ automation.Dispatcher = (*OutboxDispatcher)(nil)

// Dispatch implements automation.Dispatcher.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	if err := d.store.Insert(ctx, req, req.CreatedAt); err != nil {
		d.log.DispatchFailed(string(req.Kind), req.Target, err)
		return fmt.Errorf("store dispatch %s: %w", req.ID, err)
	}
	return nil
}
