// Package sse provides Server-Sent Events support for the live pipeline feed.
package sse

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"pipeline_engine_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventMovementRecorded EventType = "movement_recorded"
	EventRuleExecuted     EventType = "rule_executed"
	EventTaskRequested    EventType = "task_requested"
	EventNotification     EventType = "notification"
	EventPipelineChanged  EventType = "pipeline_changed"
)

const (
	clientBuffer      = 32
	heartbeatInterval = 25 * time.Second
)

// Event represents an SSE event payload
type Event struct {
	Type          EventType `json:"type"`
	PipelineID    uuid.UUID `json:"pipelineId,omitempty"`
	OpportunityID uuid.UUID `json:"opportunityId,omitempty"`
	Message       string    `json:"message,omitempty"`
	Data          any       `json:"data,omitempty"`
}

// client represents a connected SSE client
type client struct {
	userID   uuid.UUID
	tenantID uuid.UUID
	events   chan Event
}

// Service manages SSE connections and event broadcasting. Clients only ever
// receive events of their own tenant.
type Service struct {
	mu        sync.RWMutex
	clients   map[uuid.UUID][]*client // userID -> clients
	tenantMap map[uuid.UUID][]*client // tenantID -> clients
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		clients:   make(map[uuid.UUID][]*client),
		tenantMap: make(map[uuid.UUID][]*client),
		done:      make(chan struct{}),
		log:       log,
	}
}

func (s *Service) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.userID] = append(s.clients[c.userID], c)
	s.tenantMap[c.tenantID] = append(s.tenantMap[c.tenantID], c)
}

func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.userID] = slices.DeleteFunc(s.clients[c.userID], func(cl *client) bool { return cl == c })
	if len(s.clients[c.userID]) == 0 {
		delete(s.clients, c.userID)
	}
	s.tenantMap[c.tenantID] = slices.DeleteFunc(s.tenantMap[c.tenantID], func(cl *client) bool { return cl == c })
	if len(s.tenantMap[c.tenantID]) == 0 {
		delete(s.tenantMap, c.tenantID)
	}
}

// Publish sends an event to one user's connections within a tenant.
func (s *Service) Publish(tenantID, userID uuid.UUID, event Event) int {
	s.mu.RLock()
	var targets []*client
	for _, c := range s.clients[userID] {
		if c.tenantID == tenantID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	return s.deliver(targets, event)
}

// PublishToTenant broadcasts an event to every connection of a tenant.
func (s *Service) PublishToTenant(tenantID uuid.UUID, event Event) int {
	s.mu.RLock()
	targets := slices.Clone(s.tenantMap[tenantID])
	s.mu.RUnlock()

	return s.deliver(targets, event)
}

func (s *Service) deliver(targets []*client, event Event) int {
	sent := 0
	for _, c := range targets {
		select {
		case c.events <- event:
			sent++
		default:
			s.log.Warn("sse buffer full, event dropped", "userId", c.userID, "type", event.Type)
		}
	}
	return sent
}

// Subscribe registers a listener for a user in a tenant. The returned func
// unregisters it.
func (s *Service) Subscribe(tenantID, userID uuid.UUID) (<-chan Event, func()) {
	cl := &client{
		userID:   userID,
		tenantID: tenantID,
		events:   make(chan Event, clientBuffer),
	}
	s.addClient(cl)
	return cl.events, func() { s.removeClient(cl) }
}

// Clients returns the number of open connections of a tenant.
func (s *Service) Clients(tenantID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenantMap[tenantID])
}

// Handler returns a Gin handler for SSE connections
func (s *Service) Handler(getUserID func(*gin.Context) (uuid.UUID, bool), getTenantID func(*gin.Context) (uuid.UUID, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := getUserID(c)
		if !ok {
			return
		}
		tenantID, ok := getTenantID(c)
		if !ok {
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		stream, unsubscribe := s.Subscribe(tenantID, userID)
		defer unsubscribe()

		c.SSEvent("connected", gin.H{"userId": userID, "tenantId": tenantID})
		c.Writer.Flush()
		s.log.Debug("sse client connected", "userId", userID, "tenantId", tenantID)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				s.log.Debug("sse client disconnected", "userId", userID)
				return
			case <-s.done:
				return
			case <-heartbeat.C:
				c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
				c.Writer.Flush()
			case event := <-stream:
				data, err := json.Marshal(event)
				if err != nil {
					s.log.Error("sse marshal failed", "error", err)
					continue
				}
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close ends every open stream.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
