package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pipeline_engine_backend/internal/dispatch"
	"pipeline_engine_backend/internal/dispatch/outbox"
	"pipeline_engine_backend/internal/pipeline/automation"
	"pipeline_engine_backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	resumed  []uuid.UUID
	ticked   []uuid.UUID
	dueCalls int
	err      error
}

func (f *fakeEngine) ResumeDeferred(_ context.Context, id uuid.UUID) (automation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return automation.Result{}, f.err
}

func (f *fakeEngine) RunDue(context.Context, time.Time, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls++
	return 0, f.err
}

func (f *fakeEngine) Tick(_ context.Context, cfg domain.Configuration, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticked = append(f.ticked, cfg.ID)
	return 1, f.err
}

type fakeDeliverer struct {
	ids []string
	err error
}

func (f *fakeDeliverer) DeliverByID(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type configList []domain.Configuration

func (c configList) ListActiveConfigurations(context.Context) ([]domain.Configuration, error) {
	return c, nil
}

func TestWorkerResumesDeferredAction(t *testing.T) {
	engine := &fakeEngine{}
	w := newWorker(engine, nil, nil)
	id := uuid.New()
	task, err := NewDeferredDueTask(DeferredDuePayload{DeferredID: id.String(), TenantID: uuid.NewString()})
	require.NoError(t, err)

	require.NoError(t, w.mux.ProcessTask(context.Background(), task))

	assert.Equal(t, []uuid.UUID{id}, engine.resumed)
}

func TestWorkerSkipsRetryOnMalformedPayload(t *testing.T) {
	w := newWorker(&fakeEngine{}, nil, nil)

	err := w.mux.ProcessTask(context.Background(), asynq.NewTask(TaskDeferredDue, []byte(`{"deferredId":"nope"}`)))

	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorkerOutboxDelivery(t *testing.T) {
	deliverer := &fakeDeliverer{}
	w := newWorker(&fakeEngine{}, deliverer, nil)
	id := uuid.NewString()
	task, err := NewDispatchOutboxDueTask(DispatchOutboxDuePayload{OutboxID: id})
	require.NoError(t, err)

	require.NoError(t, w.mux.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{id}, deliverer.ids)

	deliverer.err = errors.New("smtp down")
	err = w.mux.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	deliverer.err = &dispatch.PermanentError{Err: errors.New("no recipient")}
	err = w.mux.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOutboxDispatcherEnqueuesClaimedRows(t *testing.T) {
	store := outbox.NewMemoryStore()
	req := domain.DispatchRequest{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		Kind:      domain.DispatchTask,
		Target:    "rep",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.Insert(context.Background(), req, req.CreatedAt))
	client := &fakeEnqueuer{}
	d := newOutboxDispatcher(client, "pipeline", store, time.Second, nil)

	assert.Equal(t, 1, d.dispatchOnce(context.Background()))
	require.Len(t, client.tasks, 1)
	payload, err := ParseDispatchOutboxDuePayload(client.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, req.ID.String(), payload.OutboxID)

	rec, _ := store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusEnqueued, rec.Status)
	assert.Equal(t, 0, d.dispatchOnce(context.Background()))
}

func TestOutboxDispatcherReleasesRowOnEnqueueFailure(t *testing.T) {
	store := outbox.NewMemoryStore()
	req := domain.DispatchRequest{ID: uuid.New(), TenantID: uuid.New(), Kind: domain.DispatchTask, CreatedAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, store.Insert(context.Background(), req, req.CreatedAt))
	d := newOutboxDispatcher(&fakeEnqueuer{err: errors.New("redis down")}, "pipeline", store, 0, nil)

	assert.Equal(t, 0, d.dispatchOnce(context.Background()))

	rec, _ := store.GetByID(context.Background(), req.ID)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "redis down", *rec.LastError)
}

func TestClockTickerTicksEveryActivePipeline(t *testing.T) {
	engine := &fakeEngine{}
	a, b := domain.Configuration{ID: uuid.New()}, domain.Configuration{ID: uuid.New()}
	ticker := NewClockTicker(configList{a, b}, engine, time.Minute, nil)

	ticker.tick(context.Background())

	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, engine.ticked)
}

func TestPollersStopWithContext(t *testing.T) {
	engine := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewDeferredPoller(engine, time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.dueCalls >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
