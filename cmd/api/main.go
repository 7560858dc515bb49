package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline_engine_backend/internal/adapters/storage"
	"pipeline_engine_backend/internal/dispatch"
	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/email"
	"pipeline_engine_backend/internal/events"
	apphttp "pipeline_engine_backend/internal/http"
	"pipeline_engine_backend/internal/http/router"
	"pipeline_engine_backend/internal/notification"
	"pipeline_engine_backend/internal/pipeline"
	"pipeline_engine_backend/internal/pipeline/analytics"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/internal/scheduler"
	"pipeline_engine_backend/internal/stream"
	"pipeline_engine_backend/internal/webhook"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/db"
	"pipeline_engine_backend/platform/lock"
	"pipeline_engine_backend/platform/logger"
	"pipeline_engine_backend/platform/telemetry"
	"pipeline_engine_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(cfg, log)
	if err != nil {
		panic("failed to initialize tracing: " + err.Error())
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	redisClient := initRedis(ctx, cfg, log)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, "pipeline:lock:")
	}

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := repository.New(pool)
	outboxRepo := outbox.New(pool)

	deferredScheduler, closeScheduler := initDeferredScheduler(cfg, log)
	if closeScheduler != nil {
		defer closeScheduler()
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	deps := pipeline.Deps{
		Store:      store,
		Locker:     locker,
		Dispatcher: dispatch.NewOutboxDispatcher(outboxRepo, log),
		Scheduler:  deferredScheduler,
		Bus:        eventBus,
		Archiver:   initArchiver(cfg, log),
		Registerer: registry,
		Validator:  validator.New(),
		Config:     cfg,
		Log:        log,
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	pipelineModule, err := pipeline.NewModule(deps)
	if err != nil {
		log.Error("failed to initialize pipeline module", "error", err)
		panic("failed to initialize pipeline module: " + err.Error())
	}
	pipelineModule.RegisterHandlers(eventBus)

	notificationModule := notification.New(log)
	notificationModule.RegisterHandlers(eventBus)
	defer notificationModule.SSE().Close()

	if cfg.IsKafkaEnabled() {
		publisher, err := stream.NewMovementPublisher(cfg, log)
		if err != nil {
			log.Error("failed to initialize movement stream", "error", err)
			panic("failed to initialize movement stream: " + err.Error())
		}
		defer func() { _ = publisher.Close() }()
		publisher.RegisterHandlers(eventBus)
		log.Info("movement stream enabled", "topic", cfg.GetKafkaMovementTopic())
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   pool,
		EventBus: eventBus,
		Metrics:  registry,
		Modules: []apphttp.Module{
			pipelineModule,
			notificationModule,
		},
	}

	engine := router.New(app)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(engine, "pipeline-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		notificationModule.SSE().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Without Redis there is no scheduler process; this node runs the
	// background loops itself.
	if redisClient == nil {
		startInProcessLoops(gctx, g, cfg, store, outboxRepo, pipelineModule.Engine(), eventBus, log)
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func initRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	if !cfg.IsRedisEnabled() {
		log.Warn("REDIS_URL not configured; using in-process locking, scheduling and no analytics cache")
		return nil
	}
	client, err := db.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	return client
}

func initDeferredScheduler(cfg config.SchedulerConfig, log *logger.Logger) (automation.Scheduler, func()) {
	if !cfg.IsRedisEnabled() {
		return nil, nil
	}
	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize deferred scheduler client", "error", err)
		return nil, nil
	}
	return client, func() {
		_ = client.Close()
	}
}

type archiveConfig interface {
	config.MinIOConfig
	config.AnalyticsConfig
}

func initArchiver(cfg archiveConfig, log *logger.Logger) analytics.Archiver {
	if !cfg.IsMinIOEnabled() {
		return nil
	}
	storageSvc, err := storage.NewMinIOService(cfg)
	if err != nil {
		log.Error("failed to initialize storage service", "error", err)
		panic("failed to initialize storage service: " + err.Error())
	}
	log.Info("analytics archive enabled", "bucket", cfg.GetAnalyticsArchiveBucket())
	return storage.NewReportArchiver(storageSvc, cfg.GetAnalyticsArchiveBucket())
}

type loopConfig interface {
	config.SchedulerConfig
	config.EmailConfig
	config.WebhookConfig
}

func startInProcessLoops(ctx context.Context, g *errgroup.Group, cfg loopConfig, store repository.Store, outboxRepo outbox.Store, engine *automation.Engine, bus events.Bus, log *logger.Logger) {
	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}
	deliverer := dispatch.NewDeliverer(dispatch.DelivererOptions{
		Store:   outboxRepo,
		Email:   sender,
		Webhook: webhook.NewClient(cfg),
		Bus:     bus,
		Log:     log,
	})

	relay := dispatch.NewRelay(outboxRepo, deliverer, cfg.GetOutboxPollInterval(), log)
	poller := scheduler.NewDeferredPoller(engine, cfg.GetDeferredPollInterval(), log)
	ticker := scheduler.NewClockTicker(store, engine, cfg.GetDateTriggerInterval(), log)

	for _, run := range []func(context.Context){relay.Run, poller.Run, ticker.Run} {
		run := run // per-iteration copy; go directive is 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			run(ctx)
			return nil
		})
	}
	log.Info("in-process outbox relay and automation clocks started")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
