package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline_engine_backend/internal/dispatch"
	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/email"
	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/internal/scheduler"
	"pipeline_engine_backend/internal/stream"
	"pipeline_engine_backend/internal/webhook"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/db"
	"pipeline_engine_backend/platform/lock"
	"pipeline_engine_backend/platform/logger"
	"pipeline_engine_backend/platform/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.IsRedisEnabled() {
		panic("REDIS_URL is required for the scheduler")
	}

	shutdownTracer, err := telemetry.InitTracer(cfg, log)
	if err != nil {
		panic("failed to initialize tracing: " + err.Error())
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	redisClient, err := db.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = redisClient.Close() }()

	eventBus := events.NewInMemoryBus(log)

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}

	deferredClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize deferred scheduler client", "error", err)
		panic("failed to initialize deferred scheduler client: " + err.Error())
	}
	defer func() { _ = deferredClient.Close() }()

	store := repository.New(pool)
	outboxRepo := outbox.New(pool)

	// Worker-side engine wiring (no HTTP handlers are mounted).
	pipelineModule, err := pipeline.NewModule(pipeline.Deps{
		Store:      store,
		Locker:     lock.NewRedisLocker(redisClient, "pipeline:lock:"),
		Dispatcher: dispatch.NewOutboxDispatcher(outboxRepo, log),
		Scheduler:  deferredClient,
		Bus:        eventBus,
		Redis:      redisClient,
		Config:     cfg,
		Log:        log,
	})
	if err != nil {
		log.Error("failed to initialize pipeline module", "error", err)
		panic("failed to initialize pipeline module: " + err.Error())
	}
	pipelineModule.RegisterHandlers(eventBus)
	engine := pipelineModule.Engine()

	if cfg.IsKafkaEnabled() {
		publisher, err := stream.NewMovementPublisher(cfg, log)
		if err != nil {
			log.Error("failed to initialize movement stream", "error", err)
			panic("failed to initialize movement stream: " + err.Error())
		}
		defer func() { _ = publisher.Close() }()
		publisher.RegisterHandlers(eventBus)
	}

	deliverer := dispatch.NewDeliverer(dispatch.DelivererOptions{
		Store:   outboxRepo,
		Email:   sender,
		Webhook: webhook.NewClient(cfg),
		Bus:     eventBus,
		Log:     log,
	})

	outboxDispatcher, err := scheduler.NewOutboxDispatcher(cfg, outboxRepo, log)
	if err != nil {
		log.Error("failed to initialize outbox dispatcher", "error", err)
		panic("failed to initialize outbox dispatcher: " + err.Error())
	}
	defer func() { _ = outboxDispatcher.Close() }()

	worker, err := scheduler.NewWorker(cfg, engine, deliverer, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	poller := scheduler.NewDeferredPoller(engine, cfg.GetDeferredPollInterval(), log)
	ticker := scheduler.NewClockTicker(store, engine, cfg.GetDateTriggerInterval(), log)

	var g errgroup.Group
	for _, run := range []func(context.Context){outboxDispatcher.Run, poller.Run, ticker.Run, worker.Run} {
		run := run // per-iteration copy; go directive is 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	log.Info("scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
