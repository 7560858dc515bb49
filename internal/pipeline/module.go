// Package pipeline provides the pipeline bounded context module: stage graph
// configuration, the automation engine and pipeline analytics.
package pipeline

import (
	"time"

	"pipeline_engine_backend/internal/events"
	apphttp "pipeline_engine_backend/internal/http"
	"pipeline_engine_backend/internal/pipeline/analytics"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/handler"
	"pipeline_engine_backend/internal/pipeline/repository"
	"pipeline_engine_backend/internal/pipeline/service"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/httpkit"
	"pipeline_engine_backend/platform/lock"
	"pipeline_engine_backend/platform/logger"
	"pipeline_engine_backend/platform/validator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ModuleConfig combines the config interfaces the module reads.
type ModuleConfig interface {
	config.EngineConfig
	config.AnalyticsConfig
}

// Deps are the collaborators the composition root provides. Only Store is
// required; the rest degrade to in-process or disabled behaviour.
type Deps struct {
	Store      repository.Store
	Locker     lock.Locker
	Dispatcher automation.Dispatcher
	Scheduler  automation.Scheduler
	Bus        events.Bus
	Redis      redis.UniversalClient
	Archiver   analytics.Archiver
	Registerer prometheus.Registerer
	Validator  *validator.Validator
	Config     ModuleConfig
	Log        *logger.Logger
}

// Module is the pipeline bounded context module implementing http.Module.
type Module struct {
	handler      *handler.Handler
	service      *service.Service
	engine       *automation.Engine
	analytics    *analytics.Service
	eventLimiter *httpkit.IPRateLimiter
}

// NewModule wires the engine, analytics and configuration service.
func NewModule(deps Deps) (*Module, error) {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}

	var (
		cascadeLimit  int
		exitCriteria  automation.ExitCriteriaPolicy
		defaultPeriod time.Duration
		cacheTTL      time.Duration
	)
	if deps.Config != nil {
		cascadeLimit = deps.Config.GetCascadeLimit()
		exitCriteria = automation.ExitCriteriaPolicy(deps.Config.GetExitCriteriaPolicy())
		defaultPeriod = deps.Config.GetAnalyticsDefaultPeriod()
		cacheTTL = deps.Config.GetAnalyticsCacheTTL()
	}

	var engineMetrics *automation.Metrics
	var analyticsMetrics *analytics.Metrics
	if deps.Registerer != nil {
		engineMetrics = automation.NewMetrics(deps.Registerer)
		analyticsMetrics = analytics.NewMetrics(deps.Registerer)
	}

	engine := automation.New(automation.Options{
		Store:        deps.Store,
		Locker:       deps.Locker,
		Dispatcher:   deps.Dispatcher,
		Scheduler:    deps.Scheduler,
		Bus:          deps.Bus,
		Metrics:      engineMetrics,
		Log:          deps.Log,
		CascadeLimit: cascadeLimit,
		ExitCriteria: exitCriteria,
	})

	var cache *analytics.Cache
	if deps.Redis != nil {
		cache = analytics.NewCache(deps.Redis, cacheTTL)
	}
	reports := analytics.NewService(analytics.ServiceOptions{
		Reader:        deps.Store,
		Cache:         cache,
		Archiver:      deps.Archiver,
		Metrics:       analyticsMetrics,
		Log:           deps.Log,
		DefaultPeriod: defaultPeriod,
	})

	svc, err := service.New(deps.Store, engine, reports, deps.Bus, deps.Log)
	if err != nil {
		return nil, err
	}
	svc.SetLocker(deps.Locker)

	return &Module{
		handler:      handler.New(svc, deps.Validator),
		service:      svc,
		engine:       engine,
		analytics:    reports,
		eventLimiter: httpkit.NewEventRateLimiter(deps.Log),
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "pipeline"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// Engine returns the automation engine, used by the scheduler process.
func (m *Module) Engine() *automation.Engine {
	return m.engine
}

// RegisterRoutes mounts pipeline routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Read and inbound event endpoints
	ctx.Protected.GET("/pipelines", m.handler.ListPipelines)
	ctx.Protected.GET("/pipelines/templates", m.handler.ListTemplates)
	ctx.Protected.GET("/pipelines/:id", m.handler.GetPipeline)
	ctx.Protected.GET("/pipelines/:id/rules", m.handler.ListRules)
	ctx.Protected.GET("/pipelines/:id/analytics", m.handler.GetAnalytics)
	ctx.Protected.GET("/pipelines/:id/analytics/archive", m.handler.ListArchivedReports)
	ctx.Protected.POST("/pipelines/:id/events", m.eventLimiter.RateLimit(), m.handler.SubmitEvent)

	ctx.Protected.POST("/opportunities", m.eventLimiter.RateLimit(), m.handler.CreateOpportunity)
	ctx.Protected.GET("/opportunities/:id", m.handler.GetOpportunity)
	ctx.Protected.GET("/opportunities/:id/movements", m.handler.ListMovements)
	ctx.Protected.POST("/opportunities/:id/move", m.eventLimiter.RateLimit(), m.handler.MoveOpportunity)
	ctx.Protected.PATCH("/opportunities/:id/fields", m.eventLimiter.RateLimit(), m.handler.UpdateFields)

	// Configuration endpoints
	adminGroup := ctx.Admin.Group("/pipelines")
	adminGroup.POST("", m.handler.CreatePipeline)
	adminGroup.POST("/from-template", m.handler.CreateFromTemplate)
	adminGroup.PATCH("/:id", m.handler.UpdatePipeline)
	adminGroup.DELETE("/:id", m.handler.DeletePipeline)
	adminGroup.POST("/:id/activate", m.handler.ActivatePipeline)

	adminGroup.POST("/:id/stages", m.handler.AddStage)
	adminGroup.PUT("/:id/stages/order", m.handler.ReorderStages)
	adminGroup.PATCH("/:id/stages/:stageId", m.handler.UpdateStage)
	adminGroup.DELETE("/:id/stages/:stageId", m.handler.RemoveStage)

	adminGroup.POST("/:id/stages/:stageId/rules", m.handler.CreateRule)
	adminGroup.PUT("/:id/rules/:ruleId", m.handler.UpdateRule)
	adminGroup.POST("/:id/rules/:ruleId/activate", m.handler.ActivateRule)
	adminGroup.POST("/:id/rules/:ruleId/deactivate", m.handler.DeactivateRule)
	adminGroup.DELETE("/:id/rules/:ruleId", m.handler.DeleteRule)
}

// RegisterHandlers subscribes analytics cache invalidation to pipeline events.
func (m *Module) RegisterHandlers(bus events.Bus) {
	m.analytics.RegisterHandlers(bus)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
