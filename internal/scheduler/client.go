package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Client wakes deferred actions through asynq. The deferred action id is the
// asynq task id, so scheduling twice is a no-op and cancel can find the task.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

var _ automation.Scheduler = (*Client)(nil)

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// ScheduleDeferred implements automation.Scheduler.
func (c *Client) ScheduleDeferred(ctx context.Context, d domain.DeferredAction) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewDeferredDueTask(DeferredDuePayload{
		DeferredID: d.ID.String(),
		TenantID:   d.TenantID.String(),
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(d.ID.String()),
		asynq.ProcessAt(d.DueAt),
		asynq.Queue(c.queue),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// CancelDeferred implements automation.Scheduler. Tasks that already ran or
// were never enqueued are ignored; the claim in the store is authoritative.
func (c *Client) CancelDeferred(ctx context.Context, ids []uuid.UUID) error {
	if c == nil || c.inspector == nil {
		return nil
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.inspector.DeleteTask(c.queue, id.String())
		if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		errs = append(errs, fmt.Errorf("cancel deferred %s: %w", id, err))
	}
	return errors.Join(errs...)
}

func queueName(cfg config.SchedulerConfig) string {
	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}
	return queue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
