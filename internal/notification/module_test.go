package notification

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/notification/sse"
	"pipeline_engine_backend/platform/httpkit"
	"pipeline_engine_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func streamServer(t *testing.T, m *Module, userID, tenantID uuid.UUID) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.GET("/stream", func(c *gin.Context) {
		httpkit.SetPrincipal(c, httpkit.Principal{UserID: userID, TenantID: tenantID})
		c.Next()
	}, m.sse.Handler(userIDFromContext, httpkit.MustGetTenantID))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func readEvent(t *testing.T, scanner *bufio.Scanner, name string) string {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if line != "event:"+name {
			continue
		}
		require.True(t, scanner.Scan())
		return strings.TrimPrefix(scanner.Text(), "data:")
	}
	t.Fatalf("stream ended before %q event", name)
	return ""
}

func TestMovementsStreamToTenant(t *testing.T) {
	m := New(logger.Discard())
	bus := events.NewInMemoryBus(logger.Discard())
	m.RegisterHandlers(bus)
	tenant := uuid.New()
	srv := streamServer(t, m, uuid.New(), tenant)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	scanner := bufio.NewScanner(resp.Body)
	readEvent(t, scanner, "connected")
	require.Eventually(t, func() bool { return m.sse.Clients(tenant) == 1 }, time.Second, 5*time.Millisecond)

	oppID := uuid.New()
	require.NoError(t, bus.PublishSync(ctx, events.MovementRecorded{
		BaseEvent:     events.NewBaseEvent(),
		TenantID:      uuid.New(),
		OpportunityID: uuid.New(),
		ToStageName:   "Other tenant",
	}))
	require.NoError(t, bus.PublishSync(ctx, events.MovementRecorded{
		BaseEvent:     events.NewBaseEvent(),
		TenantID:      tenant,
		OpportunityID: oppID,
		ToStageName:   "Qualified",
	}))

	data := readEvent(t, scanner, string(sse.EventMovementRecorded))
	assert.Contains(t, data, oppID.String())
	assert.Contains(t, data, "Qualified")
	assert.NotContains(t, data, "Other tenant")
}

func TestRecipientRouting(t *testing.T) {
	m := New(nil)
	tenant := uuid.New()
	user := uuid.New()
	mine, stopMine := m.sse.Subscribe(tenant, user)
	defer stopMine()
	other, stopOther := m.sse.Subscribe(tenant, uuid.New())
	defer stopOther()

	require.NoError(t, m.onUserNotification(context.Background(), events.UserNotificationRequested{
		TenantID: tenant,
		UserID:   user.String(),
		Message:  "Deal moved",
	}))
	assert.Equal(t, 1, len(mine))
	assert.Equal(t, 0, len(other))

	require.NoError(t, m.onTaskRequested(context.Background(), events.TaskRequested{
		TenantID: tenant,
		Assignee: "sales-manager",
	}))
	assert.Equal(t, 2, len(mine))
	assert.Equal(t, 1, len(other))
}
