package scheduler

import (
	"context"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/logger"

	"github.com/hibiken/asynq"
)

const defaultOutboxPollInterval = 2 * time.Second

// Enqueuer is the part of *asynq.Client the outbox dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// OutboxDispatcher moves claimed dispatch_outbox rows onto the asynq queue.
type OutboxDispatcher struct {
	client   Enqueuer
	closer   func() error
	queue    string
	repo     outbox.Store
	interval time.Duration
	log      *logger.Logger
}

func NewOutboxDispatcher(cfg config.SchedulerConfig, repo outbox.Store, log *logger.Logger) (*OutboxDispatcher, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	client := asynq.NewClient(opt)
	d := newOutboxDispatcher(client, queueName(cfg), repo, cfg.GetOutboxPollInterval(), log)
	d.closer = client.Close
	return d, nil
}

func newOutboxDispatcher(client Enqueuer, queue string, repo outbox.Store, interval time.Duration, log *logger.Logger) *OutboxDispatcher {
	if interval <= 0 {
		interval = defaultOutboxPollInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &OutboxDispatcher{client: client, queue: queue, repo: repo, interval: interval, log: log}
}

func (d *OutboxDispatcher) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	return d.closer()
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if d == nil || d.client == nil || d.repo == nil {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.dispatchOnce(ctx)
	}
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) int {
	records, err := d.repo.ClaimPending(ctx, 50)
	if err != nil {
		d.log.Warn("outbox claim failed", "error", err)
		return 0
	}

	enqueued := 0
	for _, rec := range records {
		task, err := NewDispatchOutboxDueTask(DispatchOutboxDuePayload{
			OutboxID: rec.ID.String(),
			TenantID: rec.TenantID.String(),
		})
		if err != nil {
			msg := err.Error()
			_ = d.repo.MarkPending(ctx, rec.ID, &msg)
			continue
		}

		_, err = d.client.EnqueueContext(ctx, task, asynq.ProcessAt(rec.RunAt), asynq.Queue(d.queue))
		if err != nil {
			msg := err.Error()
			_ = d.repo.MarkPending(ctx, rec.ID, &msg)
			continue
		}
		enqueued++
	}
	return enqueued
}
