package scheduler

import (
	"context"
	"fmt"

	"pipeline_engine_backend/internal/dispatch"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// DeferredResumer is satisfied by *automation.Engine.
type DeferredResumer interface {
	ResumeDeferred(ctx context.Context, id uuid.UUID) (automation.Result, error)
}

// OutboxDeliverer is satisfied by *dispatch.Deliverer.
type OutboxDeliverer interface {
	DeliverByID(ctx context.Context, id string) error
}

type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	engine    DeferredResumer
	deliverer OutboxDeliverer
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, engine DeferredResumer, deliverer OutboxDeliverer, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	w := newWorker(engine, deliverer, log)
	w.server = server
	return w, nil
}

func newWorker(engine DeferredResumer, deliverer OutboxDeliverer, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Discard()
	}
	mux := asynq.NewServeMux()
	w := &Worker{
		mux:       mux,
		engine:    engine,
		deliverer: deliverer,
		log:       log,
	}

	mux.HandleFunc(TaskDeferredDue, w.handleDeferredDue)
	mux.HandleFunc(TaskDispatchOutboxDue, w.handleDispatchOutboxDue)

	return w
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleDeferredDue(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseDeferredDuePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	id, err := uuid.Parse(payload.DeferredID)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	res, err := w.engine.ResumeDeferred(ctx, id)
	if err != nil {
		return err
	}
	if len(res.Movements) > 0 {
		w.log.Info("deferred actions resumed", "deferredId", id, "movements", len(res.Movements))
	}
	return nil
}

func (w *Worker) handleDispatchOutboxDue(ctx context.Context, task *asynq.Task) error {
	if w.deliverer == nil {
		return nil
	}

	payload, err := ParseDispatchOutboxDuePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	err = w.deliverer.DeliverByID(ctx, payload.OutboxID)
	if err != nil && dispatch.IsPermanent(err) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}
