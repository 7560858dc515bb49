package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/platform/apperr"
	"pipeline_engine_backend/platform/logger"
	"pipeline_engine_backend/platform/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultPeriod is used when no reporting window is requested.
const DefaultPeriod = 30 * 24 * time.Hour

// Archiver keeps a copy of every freshly generated report.
type Archiver interface {
	ArchiveReport(ctx context.Context, tenantID, pipelineID uuid.UUID, generatedAt time.Time, data []byte) error
}

// ArchivedReport links to one archived report.
type ArchivedReport struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ArchiveBrowser is implemented by archivers that can list what they stored.
type ArchiveBrowser interface {
	ListReports(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]ArchivedReport, error)
}

// Reader is the persistence analytics needs.
type Reader interface {
	repository.ConfigurationReader
	repository.SnapshotReader
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Reader        Reader
	Cache         *Cache
	Archiver      Archiver
	Metrics       *Metrics
	Log           *logger.Logger
	DefaultPeriod time.Duration
	Now           func() time.Time
}

// Service generates analytics reports from consistent snapshots.
type Service struct {
	reader        Reader
	cache         *Cache
	archiver      Archiver
	metrics       *Metrics
	log           *logger.Logger
	tracer        trace.Tracer
	defaultPeriod time.Duration
	now           func() time.Time
	group         singleflight.Group
}

// NewService creates an analytics service.
func NewService(opts ServiceOptions) *Service {
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.DefaultPeriod <= 0 {
		opts.DefaultPeriod = DefaultPeriod
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		reader:        opts.Reader,
		cache:         opts.Cache,
		archiver:      opts.Archiver,
		metrics:       opts.Metrics,
		log:           opts.Log,
		tracer:        telemetry.Tracer("analytics"),
		defaultPeriod: opts.DefaultPeriod,
		now:           opts.Now,
	}
}

// ResolvePeriod fills in a missing window. The default window ends at the
// next full minute so that repeated requests share a cache entry.
func (s *Service) ResolvePeriod(from, to *time.Time) (Period, error) {
	now := s.now()
	p := Period{End: now.Truncate(time.Minute).Add(time.Minute)}
	if to != nil {
		p.End = to.UTC()
	}
	p.Start = p.End.Add(-s.defaultPeriod)
	if from != nil {
		p.Start = from.UTC()
	}
	if !p.End.After(p.Start) {
		return Period{}, apperr.Validation("period end must be after its start").WithOp("ResolvePeriod")
	}
	return p, nil
}

// Generate returns the report for a pipeline. Cached reports are served
// unless fresh is set; concurrent generations of the same report share one
// computation.
func (s *Service) Generate(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period, fresh bool) (PipelineAnalytics, error) {
	ctx, span := s.tracer.Start(ctx, "analytics.Generate", trace.WithAttributes(
		attribute.String("pipeline.id", pipelineID.String()),
		attribute.Bool("fresh", fresh),
	))
	defer span.End()

	if !fresh {
		if report, ok := s.cached(ctx, tenantID, pipelineID, period); ok {
			s.metrics.served("cache")
			return report, nil
		}
	}

	key := fmt.Sprintf("%s/%s/%d/%d/%t", tenantID, pipelineID, period.Start.Unix(), period.End.Unix(), fresh)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.compute(ctx, tenantID, pipelineID, period)
	})
	if err != nil {
		span.RecordError(err)
		return PipelineAnalytics{}, err
	}
	s.metrics.served("computed")
	return v.(PipelineAnalytics), nil
}

func (s *Service) cached(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period) (PipelineAnalytics, bool) {
	data, ok, err := s.cache.Get(ctx, tenantID, pipelineID, period)
	if err != nil {
		s.log.Warn("analytics cache read failed", "pipeline_id", pipelineID, "error", err)
		return PipelineAnalytics{}, false
	}
	if !ok {
		return PipelineAnalytics{}, false
	}
	var report PipelineAnalytics
	if err := json.Unmarshal(data, &report); err != nil {
		s.log.Warn("analytics cache entry unreadable", "pipeline_id", pipelineID, "error", err)
		return PipelineAnalytics{}, false
	}
	return report, true
}

func (s *Service) compute(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period) (PipelineAnalytics, error) {
	started := time.Now()
	cfg, err := s.reader.GetConfiguration(ctx, tenantID, pipelineID)
	if err != nil {
		return PipelineAnalytics{}, err
	}
	snap, err := s.reader.Snapshot(ctx, tenantID, pipelineID, period.Previous().Start)
	if err != nil {
		return PipelineAnalytics{}, err
	}

	now := s.now()
	report := Compute(Input{
		Config:        cfg,
		Movements:     snap.Movements,
		Opportunities: snap.Opportunities,
		Period:        period,
		Now:           now,
	})
	s.metrics.observe(time.Since(started).Seconds())

	data, err := json.Marshal(report)
	if err != nil {
		return report, nil
	}
	if err := s.cache.Set(ctx, tenantID, pipelineID, period, data); err != nil {
		s.log.Warn("analytics cache write failed", "pipeline_id", pipelineID, "error", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveReport(ctx, tenantID, pipelineID, report.GeneratedAt, data); err != nil {
			s.log.Warn("analytics archive failed", "pipeline_id", pipelineID, "error", err)
		}
	}
	return report, nil
}

// ArchivedReports lists archived reports of a pipeline, newest first. It is
// empty when no browsable archive is configured.
func (s *Service) ArchivedReports(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]ArchivedReport, error) {
	if _, err := s.reader.GetConfiguration(ctx, tenantID, pipelineID); err != nil {
		return nil, err
	}
	browser, ok := s.archiver.(ArchiveBrowser)
	if !ok {
		return []ArchivedReport{}, nil
	}
	reports, err := browser.ListReports(ctx, tenantID, pipelineID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list archived reports", err).WithOp("ArchivedReports")
	}
	return reports, nil
}

// Invalidate drops cached reports of a pipeline.
func (s *Service) Invalidate(ctx context.Context, pipelineID uuid.UUID) {
	if err := s.cache.Invalidate(ctx, pipelineID); err != nil {
		s.log.Warn("analytics cache invalidation failed", "pipeline_id", pipelineID, "error", err)
	}
}

// RegisterHandlers invalidates cached reports on new movements and
// configuration changes.
func (s *Service) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.MovementRecorded{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		if e, ok := event.(events.MovementRecorded); ok {
			s.Invalidate(ctx, e.PipelineID)
		}
		return nil
	}))
	bus.Subscribe(events.ConfigurationChanged{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		if e, ok := event.(events.ConfigurationChanged); ok {
			s.Invalidate(ctx, e.PipelineID)
		}
		return nil
	}))
}
