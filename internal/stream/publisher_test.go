package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func movement() events.MovementRecorded {
	return events.MovementRecorded{
		BaseEvent:     events.NewBaseEvent(),
		MovementID:    uuid.New(),
		TenantID:      uuid.New(),
		PipelineID:    uuid.New(),
		OpportunityID: uuid.New(),
		ToStageID:     uuid.New(),
		ToStageName:   "Proposal",
		MovedAt:       time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublishMovementKeysByOpportunity(t *testing.T) {
	w := &fakeWriter{}
	p := newMovementPublisher(w, nil)
	e := movement()

	require.NoError(t, p.PublishMovement(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, e.OpportunityID.String(), string(msg.Key))
	assert.Equal(t, e.MovedAt, msg.Time)
	var decoded events.MovementRecorded
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.MovementID, decoded.MovementID)
	assert.Equal(t, "Proposal", decoded.ToStageName)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "tenant", Value: []byte(e.TenantID.String())})
}

func TestPublishMovementRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newMovementPublisher(w, nil)

	require.NoError(t, p.PublishMovement(context.Background(), movement()))
	assert.Equal(t, 3, w.calls)

	w.failures = 5
	err := p.PublishMovement(context.Background(), movement())
	assert.ErrorContains(t, err, "after 3 attempts")
}

func TestPublishMovementStopsOnCancel(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newMovementPublisher(w, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PublishMovement(ctx, movement())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, w.calls)
}

func TestRegisterHandlersStreamsBusMovements(t *testing.T) {
	w := &fakeWriter{}
	p := newMovementPublisher(w, nil)
	bus := events.NewInMemoryBus(logger.Discard())
	p.RegisterHandlers(bus)

	require.NoError(t, bus.PublishSync(context.Background(), movement()))

	assert.Len(t, w.msgs, 1)
}
