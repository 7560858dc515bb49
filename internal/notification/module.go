// Package notification pushes pipeline activity to connected clients over
// Server-Sent Events.
package notification

import (
	"context"

	"pipeline_engine_backend/internal/events"
	apphttp "pipeline_engine_backend/internal/http"
	"pipeline_engine_backend/internal/notification/sse"
	"pipeline_engine_backend/platform/httpkit"
	"pipeline_engine_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Module wires bus events to the live feed.
type Module struct {
	sse *sse.Service
	log *logger.Logger
}

func New(log *logger.Logger) *Module {
	if log == nil {
		log = logger.Discard()
	}
	return &Module{sse: sse.New(log), log: log}
}

func (m *Module) Name() string { return "notification" }

// SSE exposes the stream service for shutdown.
func (m *Module) SSE() *sse.Service { return m.sse }

// RegisterRoutes mounts GET /api/v1/pipelines/stream.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/pipelines/stream", m.sse.Handler(userIDFromContext, httpkit.MustGetTenantID))
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	p, ok := httpkit.MustGetPrincipal(c)
	return p.UserID, ok
}

// RegisterHandlers subscribes the feed to pipeline events.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.MovementRecorded{}.EventName(), events.HandlerFunc(m.onMovement))
	bus.Subscribe(events.RuleExecuted{}.EventName(), events.HandlerFunc(m.onRuleExecuted))
	bus.Subscribe(events.ConfigurationChanged{}.EventName(), events.HandlerFunc(m.onConfigurationChanged))
	bus.Subscribe(events.TaskRequested{}.EventName(), events.HandlerFunc(m.onTaskRequested))
	bus.Subscribe(events.UserNotificationRequested{}.EventName(), events.HandlerFunc(m.onUserNotification))
}

func (m *Module) onMovement(_ context.Context, event events.Event) error {
	e, ok := event.(events.MovementRecorded)
	if !ok {
		return nil
	}
	m.sse.PublishToTenant(e.TenantID, sse.Event{
		Type:          sse.EventMovementRecorded,
		PipelineID:    e.PipelineID,
		OpportunityID: e.OpportunityID,
		Message:       e.ToStageName,
		Data:          e,
	})
	return nil
}

func (m *Module) onRuleExecuted(_ context.Context, event events.Event) error {
	e, ok := event.(events.RuleExecuted)
	if !ok {
		return nil
	}
	m.sse.PublishToTenant(e.TenantID, sse.Event{
		Type:          sse.EventRuleExecuted,
		PipelineID:    e.PipelineID,
		OpportunityID: e.OpportunityID,
		Data:          e,
	})
	return nil
}

func (m *Module) onConfigurationChanged(_ context.Context, event events.Event) error {
	e, ok := event.(events.ConfigurationChanged)
	if !ok {
		return nil
	}
	m.sse.PublishToTenant(e.TenantID, sse.Event{
		Type:       sse.EventPipelineChanged,
		PipelineID: e.PipelineID,
		Message:    e.Change,
	})
	return nil
}

func (m *Module) onTaskRequested(_ context.Context, event events.Event) error {
	e, ok := event.(events.TaskRequested)
	if !ok {
		return nil
	}
	m.pushToRecipient(e.TenantID, e.Assignee, sse.Event{
		Type:          sse.EventTaskRequested,
		OpportunityID: e.OpportunityID,
		Data:          e,
	})
	return nil
}

func (m *Module) onUserNotification(_ context.Context, event events.Event) error {
	e, ok := event.(events.UserNotificationRequested)
	if !ok {
		return nil
	}
	m.pushToRecipient(e.TenantID, e.UserID, sse.Event{
		Type:          sse.EventNotification,
		OpportunityID: e.OpportunityID,
		Message:       e.Message,
		Data:          e,
	})
	return nil
}

// pushToRecipient targets one user when the recipient is a user id. Other
// recipients (roles, team handles) go to the whole tenant and clients filter
// on the payload.
func (m *Module) pushToRecipient(tenantID uuid.UUID, recipient string, event sse.Event) {
	if userID, err := uuid.Parse(recipient); err == nil {
		m.sse.Publish(tenantID, userID, event)
		return
	}
	m.sse.PublishToTenant(tenantID, event)
}

var _ apphttp.Module = (*Module)(nil)
