package dispatch

import (
	"context"
	"time"

	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	defaultRelayInterval = 2 * time.Second
	relayBatch           = 50
	maxRelayAttempts     = 5
)

// Relay drains the outbox in process. It replaces the asynq worker when the
// API runs without Redis.
type Relay struct {
	store     outbox.Store
	deliverer *Deliverer
	interval  time.Duration
	log       *logger.Logger
}

func NewRelay(store outbox.Store, deliverer *Deliverer, interval time.Duration, log *logger.Logger) *Relay {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Relay{store: store, deliverer: deliverer, interval: interval, log: log}
}

func (r *Relay) Run(ctx context.Context) {
	if r == nil || r.store == nil || r.deliverer == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.Drain(ctx); err != nil {
			r.log.Warn("outbox relay failed", "error", err)
		}
	}
}

// Drain delivers one batch of due rows and returns how many succeeded.
// Transient failures go back to pending for the next tick until the row has
// used maxRelayAttempts.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	records, err := r.store.ClaimPending(ctx, relayBatch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range records {
		err := r.deliverer.Deliver(ctx, rec)
		switch {
		case err == nil:
			delivered++
		case !IsPermanent(err) && rec.Attempts+1 < maxRelayAttempts:
			msg := err.Error()
			if markErr := r.store.MarkPending(ctx, rec.ID, &msg); markErr != nil {
				r.log.DatabaseError("outbox_mark_pending", markErr)
			}
		}
	}
	return delivered, nil
}

func parseID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}
