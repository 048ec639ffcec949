package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

type workerFixture struct {
	broker     *broker.MemoryBroker
	store      *MemoryStore
	registry   *Registry
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	topology   Topology
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		broker:   broker.NewMemoryBroker(),
		store:    NewMemoryStore(),
		registry: NewRegistry(),
		notifier: &recordingNotifier{},
		topology: DefaultTopology(),
	}
	t.Cleanup(func() { f.broker.Close() })
	f.dispatcher = NewDispatcher(f.broker, f.store, f.topology, nil, discardLogger())
	return f
}

func (f *workerFixture) newWorker(t *testing.T, cfg WorkerConfig) *Worker {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "test-worker"
	}
	if cfg.Admission.Interval == 0 {
		// Keep the admission loop quiet during worker tests.
		cfg.Admission = AdmissionConfig{CPUThreshold: 100, MemoryThreshold: 100, Interval: time.Hour}
	}
	wrapper := NewWrapper(f.store, f.registry, f.notifier, nil, WrapperConfig{Retry: fastPolicy(1)}, discardLogger())
	return NewWorker(cfg, f.broker, f.store, f.topology, wrapper, &fakeSampler{}, discardLogger())
}

// enqueue creates a job and dispatches its task.
func (f *workerFixture) enqueue(t *testing.T, jobType Type, priority PriorityClass, payload string) (string, string) {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Create(ctx, CreateParams{Type: jobType, TraceID: "trace"})
	require.NoError(t, err)

	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	handle, err := f.dispatcher.Enqueue(ctx, EnqueueRequest{
		JobID:    job.ID,
		Type:     jobType,
		Priority: priority,
		TraceID:  "trace",
		Payload:  raw,
	})
	require.NoError(t, err)
	return job.ID, handle
}

// waitForStatus polls the store until the job reaches the wanted status.
func (f *workerFixture) waitForStatus(t *testing.T, jobID string, want Status) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := f.store.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s, currently %s", jobID, want, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerExecutesTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		var p map[string]any
		require.NoError(t, json.Unmarshal(tc.Payload, &p))
		return map[string]any{"echo": p["prompt"]}, nil
	}))

	jobID, handle := f.enqueue(t, TypeLLMCall, PriorityHigh, `{"prompt":"hi"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := f.newWorker(t, WorkerConfig{Concurrency: 2, DrainTimeout: time.Second})
	go func() { done <- w.Run(ctx) }()

	job := f.waitForStatus(t, jobID, StatusSuccess)
	assert.Equal(t, handle, job.TaskHandle)
	assert.JSONEq(t, `{"echo":"hi"}`, string(job.ResultRef))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}

	envs := f.notifier.delivered()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].Success)
}

func TestWorkerPriorityOrdering(t *testing.T) {
	f := newWorkerFixture(t)

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	first := true

	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		mu.Lock()
		hold := first
		first = false
		mu.Unlock()
		if hold {
			// Hold the only executor until all remaining tasks are buffered.
			<-gate
		}
		mu.Lock()
		order = append(order, tc.TaskHandle)
		mu.Unlock()
		return nil, nil
	}))

	lowJob, lowHandle := f.enqueue(t, TypeLLMCall, PriorityLow, "")
	highJob1, highHandle1 := f.enqueue(t, TypeLLMCall, PriorityHigh, "")
	highJob2, highHandle2 := f.enqueue(t, TypeLLMCall, PriorityHigh, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := f.newWorker(t, WorkerConfig{Concurrency: 1, DrainTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait until the two non-executing tasks are buffered, then release.
	require.Eventually(t, func() bool { return w.intake.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	close(gate)

	for _, id := range []string{lowJob, highJob1, highJob2} {
		f.waitForStatus(t, id, StatusSuccess)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	// Whatever ran first won the race to the buffer; once both remaining
	// tasks were buffered, high-priority work drains before low.
	rest := order[1:]
	for i := 1; i < len(rest); i++ {
		weightOf := func(h string) int {
			switch h {
			case highHandle1, highHandle2:
				return 9
			case lowHandle:
				return 1
			}
			return 0
		}
		assert.GreaterOrEqual(t, weightOf(rest[i-1]), weightOf(rest[i]))
	}
}

func TestWorkerSkipsCanceledQueuedTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		return nil, nil
	}))

	jobID, handle := f.enqueue(t, TypeLLMCall, PriorityLow, "")

	// Cancel before any worker consumes the task: the broker drops it.
	accepted, err := f.dispatcher.Cancel(context.Background(), handle, false)
	require.NoError(t, err)
	require.True(t, accepted)

	ctx, cancel := context.WithCancel(context.Background())
	w := f.newWorker(t, WorkerConfig{Concurrency: 1, DrainTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The job must never start processing.
	time.Sleep(200 * time.Millisecond)
	job, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	cancel()
	<-done
	assert.Empty(t, f.notifier.delivered())
}

func TestWorkerForceCancelRunningTask(t *testing.T) {
	f := newWorkerFixture(t)

	started := make(chan struct{})
	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	jobID, handle := f.enqueue(t, TypeLLMCall, PriorityHigh, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := f.newWorker(t, WorkerConfig{Concurrency: 1, DrainTimeout: 2 * time.Second})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	_, err := f.dispatcher.Cancel(context.Background(), handle, true)
	require.NoError(t, err)

	job := f.waitForStatus(t, jobID, StatusFailed)
	assert.NotEmpty(t, job.ErrorMessage)

	cancel()
	<-done
}

func TestWorkerMaxTasksRecycles(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		return "ok", nil
	}))

	jobID, _ := f.enqueue(t, TypeLLMCall, PriorityDefault, "")

	w := f.newWorker(t, WorkerConfig{Concurrency: 1, MaxTasks: 1, DrainTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	f.waitForStatus(t, jobID, StatusSuccess)

	// The worker stops on its own after hitting its task budget.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not recycle after max tasks")
	}
}

func TestWorkerDropsMalformedTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.MustRegister(TypeLLMCall, RunnerFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		return "ok", nil
	}))

	require.NoError(t, f.broker.Publish(context.Background(), "tasks-default", "bad", []byte("not json")))
	jobID, _ := f.enqueue(t, TypeLLMCall, PriorityDefault, "")

	ctx, cancel := context.WithCancel(context.Background())
	w := f.newWorker(t, WorkerConfig{Concurrency: 1, DrainTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The malformed delivery is dropped and the real task still executes.
	f.waitForStatus(t, jobID, StatusSuccess)

	cancel()
	<-done
}
