package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/email"
	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/webhook"
	"pipeline_engine_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	to   []string
	msgs []email.RuleEmail
	err  error
}

func (s *recordingSender) SendRuleEmail(_ context.Context, to string, msg email.RuleEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to)
	s.msgs = append(s.msgs, msg)
	return nil
}

type webhookConfigStub struct{}

func (webhookConfigStub) GetWebhookTimeout() time.Duration { return time.Second }
func (webhookConfigStub) GetWebhookSigningSecret() string  { return "secret" }

type fixture struct {
	store     *outbox.MemoryStore
	sender    *recordingSender
	bus       *events.InMemoryBus
	deliverer *Deliverer
	relay     *Relay
	dispatch  *OutboxDispatcher
}

func newFixture() *fixture {
	f := &fixture{
		store:  outbox.NewMemoryStore(),
		sender: &recordingSender{},
		bus:    events.NewInMemoryBus(logger.Discard()),
	}
	f.deliverer = NewDeliverer(DelivererOptions{
		Store:   f.store,
		Email:   f.sender,
		Webhook: webhook.NewClient(webhookConfigStub{}),
		Bus:     f.bus,
	})
	f.relay = NewRelay(f.store, f.deliverer, time.Second, nil)
	f.dispatch = NewOutboxDispatcher(f.store, nil)
	return f
}

func request(kind domain.DispatchKind, target string, payload map[string]any) domain.DispatchRequest {
	return domain.DispatchRequest{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Kind:          kind,
		Target:        target,
		Payload:       payload,
		RuleID:        uuid.New(),
		OpportunityID: uuid.New(),
		CreatedAt:     time.Now().UTC().Add(-time.Second),
	}
}

func TestDispatchWritesPendingRow(t *testing.T) {
	f := newFixture()
	req := request(domain.DispatchEmail, "owner@example.test", map[string]any{"subject": "Hi"})

	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))

	rec, err := f.store.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	decoded, err := rec.Request()
	require.NoError(t, err)
	assert.Equal(t, "Hi", decoded.Payload["subject"])
	assert.Equal(t, req.RuleID, decoded.RuleID)
}

func TestDispatchRejectsIncompleteRequest(t *testing.T) {
	f := newFixture()

	err := f.dispatch.Dispatch(context.Background(), domain.DispatchRequest{ID: uuid.New()})

	assert.Error(t, err)
}

func TestRelayDeliversEmail(t *testing.T) {
	f := newFixture()
	req := request(domain.DispatchEmail, "owner@example.test", map[string]any{
		"subject": "Proposal", "body": "Call them", "opportunityName": "Acme", "stage": "Proposal", "value": 1200.5,
	})
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))

	n, err := f.relay.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.sender.msgs, 1)
	assert.Equal(t, "owner@example.test", f.sender.to[0])
	assert.Equal(t, "Acme", f.sender.msgs[0].OpportunityName)
	assert.Equal(t, "1200.5", f.sender.msgs[0].Value)
	rec, _ := f.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestDeliverPublishesTaskAndNotification(t *testing.T) {
	f := newFixture()
	var (
		mu    sync.Mutex
		tasks []events.TaskRequested
		notes []events.UserNotificationRequested
	)
	f.bus.Subscribe(events.TaskRequested{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		tasks = append(tasks, e.(events.TaskRequested))
		return nil
	}))
	f.bus.Subscribe(events.UserNotificationRequested{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, e.(events.UserNotificationRequested))
		return nil
	}))

	task := request(domain.DispatchTask, "rep-7", map[string]any{"title": "Call back"})
	note := request(domain.DispatchNotification, "manager", map[string]any{"message": "Deal moved"})
	require.NoError(t, f.dispatch.Dispatch(context.Background(), task))
	require.NoError(t, f.dispatch.Dispatch(context.Background(), note))

	n, err := f.relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, tasks, 1)
	assert.Equal(t, "rep-7", tasks[0].Assignee)
	assert.Equal(t, task.ID, tasks[0].DispatchID)
	require.Len(t, notes, 1)
	assert.Equal(t, "Deal moved", notes[0].Message)
}

func TestDeliverWebhook(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(webhook.SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newFixture()
	req := request(domain.DispatchWebhook, srv.URL, map[string]any{"stage": "Won"})
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))

	require.NoError(t, f.deliverer.DeliverByID(context.Background(), req.ID.String()))

	assert.NotEmpty(t, signature)
	rec, _ := f.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusSucceeded, rec.Status)
}

func TestDeliverSkipsSucceededRow(t *testing.T) {
	f := newFixture()
	req := request(domain.DispatchEmail, "owner@example.test", nil)
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))
	require.NoError(t, f.deliverer.DeliverByID(context.Background(), req.ID.String()))

	require.NoError(t, f.deliverer.DeliverByID(context.Background(), req.ID.String()))

	assert.Len(t, f.sender.msgs, 1)
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	f := newFixture()
	req := request(domain.DispatchEmail, "", nil)
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))

	_, err := f.relay.Drain(context.Background())
	require.NoError(t, err)

	rec, _ := f.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)

	err = f.deliverer.DeliverByID(context.Background(), uuid.NewString())
	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(f.deliverer.DeliverByID(context.Background(), "not-an-id")))
}

func TestTransientFailuresReturnToPending(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("smtp unavailable")
	req := request(domain.DispatchEmail, "owner@example.test", nil)
	require.NoError(t, f.dispatch.Dispatch(context.Background(), req))

	for i := 0; i < maxRelayAttempts-1; i++ {
		_, err := f.relay.Drain(context.Background())
		require.NoError(t, err)
		rec, _ := f.store.GetByID(context.Background(), req.ID)
		assert.Equal(t, outbox.StatusPending, rec.Status)
	}

	_, err := f.relay.Drain(context.Background())
	require.NoError(t, err)
	rec, _ := f.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusFailed, rec.Status)
	assert.Equal(t, maxRelayAttempts, rec.Attempts)
}

func TestIsPermanentClassifiesWebhookStatus(t *testing.T) {
	assert.True(t, IsPermanent(&webhook.StatusError{StatusCode: http.StatusNotFound}))
	assert.False(t, IsPermanent(&webhook.StatusError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsPermanent(errors.New("timeout")))
}
