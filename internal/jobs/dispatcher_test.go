package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *MemoryStore, *broker.MemoryBroker) {
	t.Helper()
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	store := NewMemoryStore()
	d := NewDispatcher(b, store, DefaultTopology(), nil, discardLogger())
	return d, store, b
}

func TestDispatcherEnqueueRoutesAndRecordsHandle(t *testing.T) {
	ctx := context.Background()
	d, store, b := newTestDispatcher(t)

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall, TraceID: "t1"})
	require.NoError(t, err)

	handle, err := d.Enqueue(ctx, EnqueueRequest{
		JobID:    job.ID,
		Type:     job.Type,
		Priority: PriorityHigh,
		TraceID:  "t1",
		Payload:  json.RawMessage(`{"prompt":"hi"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	// Routed to the high-priority queue.
	assert.Equal(t, 1, b.QueueDepth("tasks-high"))
	assert.Equal(t, 0, b.QueueDepth("tasks-default"))

	// The handle is recorded on the job without advancing its status.
	updated, err := store.GetByHandle(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, job.ID, updated.ID)
	assert.Equal(t, StatusPending, updated.Status)
}

func TestDispatcherEnqueueUnknownPriorityUsesDefault(t *testing.T) {
	ctx := context.Background()
	d, store, b := newTestDispatcher(t)

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)

	_, err = d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: job.Type, Priority: "critical"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueueDepth("tasks-default"))
}

func TestDispatcherEnqueueBrokerFailure(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	store := NewMemoryStore()
	d := NewDispatcher(b, store, DefaultTopology(), nil, discardLogger())

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: job.Type})
	assert.Error(t, err)

	// The record keeps its handle but stays PENDING; the caller decides
	// whether to mark it FAILED.
	current, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
	assert.NotEmpty(t, current.TaskHandle)
}

// stallingHandleStore delays handle-recording transitions until released,
// widening the window between dispatch bookkeeping and task execution.
type stallingHandleStore struct {
	Store
	release chan struct{}
}

func (s *stallingHandleStore) Transition(ctx context.Context, id string, status Status, params TransitionParams) (*Job, error) {
	if params.TaskHandle != nil && status == StatusPending {
		<-s.release
	}
	return s.Store.Transition(ctx, id, status, params)
}

func TestDispatcherEnqueueNeverRegressesCompletedJob(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	store := NewMemoryStore()

	stalling := &stallingHandleStore{Store: store, release: make(chan struct{})}
	d := NewDispatcher(b, stalling, DefaultTopology(), nil, discardLogger())

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)

	// A fast consumer drives every delivered task straight to SUCCESS.
	msgs, err := b.Subscribe(ctx, "consumer", "tasks-default")
	require.NoError(t, err)
	executed := make(chan struct{})
	go func() {
		msg, ok := <-msgs
		if !ok {
			return
		}
		task, err := DecodeTask(msg.Body)
		if err != nil {
			return
		}
		if _, err := store.Transition(ctx, task.JobID, StatusProcessing, TransitionParams{}); err != nil {
			return
		}
		if _, err := store.Transition(ctx, task.JobID, StatusSuccess, TransitionParams{}); err != nil {
			return
		}
		close(executed)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: job.Type})
		done <- err
	}()

	// Let dispatch bookkeeping proceed only after the task had every
	// chance to complete first.
	select {
	case <-executed:
	case <-time.After(500 * time.Millisecond):
	}
	close(stalling.release)

	require.NoError(t, <-done)
	<-executed

	// The dispatcher's handle write must not drag the finished job back
	// to PENDING.
	current, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, current.Status)
	assert.NotEmpty(t, current.TaskHandle)
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	store := NewMemoryStore()

	registry := NewRegistry()
	registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		return nil, nil
	}))
	registry.MustRegister(TypeDocumentTransform, &validatingRunner{})

	d := NewDispatcher(b, store, DefaultTopology(), registry, discardLogger())

	job, err := store.Create(ctx, CreateParams{Type: TypeModelEvaluation})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: TypeModelEvaluation})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	job, err = store.Create(ctx, CreateParams{Type: TypeDocumentTransform})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, EnqueueRequest{
		JobID:   job.ID,
		Type:    TypeDocumentTransform,
		Payload: json.RawMessage(`{}`),
	})
	assert.ErrorContains(t, err, "invalid payload")
	assert.Equal(t, 0, b.QueueDepth("tasks-default"))

	// A valid payload passes validation and publishes.
	_, err = d.Enqueue(ctx, EnqueueRequest{
		JobID:   job.ID,
		Type:    TypeDocumentTransform,
		Payload: json.RawMessage(`{"source":"s3://bucket/doc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueueDepth("tasks-default"))
}

// validatingRunner requires a source field in its payload.
type validatingRunner struct{}

func (r *validatingRunner) Run(ctx context.Context, tc *TaskContext) (any, error) {
	return nil, nil
}

func (r *validatingRunner) ValidatePayload(payload []byte) error {
	var p struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.Source == "" {
		return assert.AnError
	}
	return nil
}

func TestDispatcherStatus(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t)

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)
	handle, err := d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: job.Type})
	require.NoError(t, err)

	status, err := d.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, status.State)

	_, err = store.Transition(ctx, job.ID, StatusProcessing, TransitionParams{})
	require.NoError(t, err)
	status, err = d.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, status.State)

	msg := "upstream exploded"
	_, err = store.Transition(ctx, job.ID, StatusFailed, TransitionParams{ErrorMessage: &msg})
	require.NoError(t, err)
	status, err = d.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskFailure, status.State)
	assert.Equal(t, msg, status.Info)

	// Handles with no job behind them resolve to UNKNOWN, not an error.
	status, err = d.Status(ctx, "no-such-handle")
	require.NoError(t, err)
	assert.Equal(t, TaskUnknown, status.State)
}

func TestDispatcherCancelDropsQueuedTask(t *testing.T) {
	ctx := context.Background()
	d, store, b := newTestDispatcher(t)

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)
	handle, err := d.Enqueue(ctx, EnqueueRequest{JobID: job.ID, Type: job.Type, Priority: PriorityLow})
	require.NoError(t, err)
	require.Equal(t, 1, b.QueueDepth("tasks-low"))

	accepted, err := d.Cancel(ctx, handle, false)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 0, b.QueueDepth("tasks-low"))

	// A job whose task was canceled while queued never reaches PROCESSING.
	current, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
}
