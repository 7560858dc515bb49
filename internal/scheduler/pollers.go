package scheduler

import (
	"context"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/platform/logger"
)

const (
	defaultDeferredPollInterval = 15 * time.Second
	defaultDateTriggerInterval  = time.Minute
	deferredBatch               = 100
)

// DueRunner is satisfied by *automation.Engine.
type DueRunner interface {
	RunDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// DeferredPoller resumes deferred actions whose asynq wake-up was lost.
type DeferredPoller struct {
	engine   DueRunner
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

func NewDeferredPoller(engine DueRunner, interval time.Duration, log *logger.Logger) *DeferredPoller {
	if interval <= 0 {
		interval = defaultDeferredPollInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &DeferredPoller{engine: engine, log: log, interval: interval, now: func() time.Time { return time.Now().UTC() }}
}

func (p *DeferredPoller) Run(ctx context.Context) {
	if p == nil || p.engine == nil {
		return
	}
	runEvery(ctx, p.interval, p.poll)
}

func (p *DeferredPoller) poll(ctx context.Context) {
	n, err := p.engine.RunDue(ctx, p.now(), deferredBatch)
	if err != nil {
		p.log.Warn("deferred poll failed", "error", err)
	}
	if n > 0 {
		p.log.Info("deferred poll resumed actions", "count", n)
	}
}

// ConfigurationLister is satisfied by the pipeline store.
type ConfigurationLister interface {
	ListActiveConfigurations(ctx context.Context) ([]domain.Configuration, error)
}

// DateTicker is satisfied by *automation.Engine.
type DateTicker interface {
	Tick(ctx context.Context, cfg domain.Configuration, now time.Time) (int, error)
}

// ClockTicker raises date_reached events for every tenant's active pipeline.
type ClockTicker struct {
	configs  ConfigurationLister
	engine   DateTicker
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

func NewClockTicker(configs ConfigurationLister, engine DateTicker, interval time.Duration, log *logger.Logger) *ClockTicker {
	if interval <= 0 {
		interval = defaultDateTriggerInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ClockTicker{configs: configs, engine: engine, log: log, interval: interval, now: func() time.Time { return time.Now().UTC() }}
}

func (t *ClockTicker) Run(ctx context.Context) {
	if t == nil || t.configs == nil || t.engine == nil {
		return
	}
	runEvery(ctx, t.interval, t.tick)
}

func (t *ClockTicker) tick(ctx context.Context) {
	cfgs, err := t.configs.ListActiveConfigurations(ctx)
	if err != nil {
		t.log.Warn("date trigger tick failed", "error", err)
		return
	}

	now := t.now()
	for _, cfg := range cfgs {
		fired, err := t.engine.Tick(ctx, cfg, now)
		if err != nil {
			t.log.Warn("date trigger tick failed", "pipelineId", cfg.ID, "tenantId", cfg.TenantID, "error", err)
		}
		if fired > 0 {
			t.log.Info("date triggers fired", "pipelineId", cfg.ID, "count", fired)
		}
	}
}

// runEvery calls fn immediately, then on every tick until ctx ends.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
