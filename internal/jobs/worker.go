package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

// WorkerConfig tunes one worker process.
type WorkerConfig struct {
	ID          string
	Concurrency int
	// MaxTasks recycles the worker after executing this many tasks.
	// Zero means unlimited.
	MaxTasks int64
	// DrainTimeout bounds how long shutdown waits for in-flight tasks.
	DrainTimeout time.Duration
	// StaleAfter marks non-terminal jobs untouched for this long as
	// stale in the startup report. Zero disables the report.
	StaleAfter time.Duration

	Admission AdmissionConfig
}

// Worker consumes the priority queue topology and executes tasks through
// the execution wrapper, under admission control.
type Worker struct {
	cfg      WorkerConfig
	broker   broker.Broker
	store    Store
	topology Topology
	wrapper  *Wrapper
	state    *WorkerState
	sampler  HostSampler
	logger   *slog.Logger

	intake   *taskBuffer
	executed atomic.Int64

	cancelMu sync.Mutex
	skipped  map[string]bool
	running  map[string]context.CancelFunc

	stop context.CancelFunc
}

// NewWorker assembles a worker. A nil sampler selects gopsutil host
// sampling.
func NewWorker(cfg WorkerConfig, b broker.Broker, store Store, topology Topology, wrapper *Wrapper, sampler HostSampler, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		broker:   b,
		store:    store,
		topology: topology,
		wrapper:  wrapper,
		state:    NewWorkerState(),
		sampler:  sampler,
		logger:   logger.With("worker_id", cfg.ID),
		intake:   newTaskBuffer(topology.Queues()),
		skipped:  make(map[string]bool),
		running:  make(map[string]context.CancelFunc),
	}
}

// State exposes the worker's runtime state for status reporting.
func (w *Worker) State() *WorkerState { return w.state }

// Run subscribes to all configured queues and executes tasks until the
// context is canceled, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.stop = cancel

	queues := w.topology.Queues()
	queueNames := w.topology.QueueNames()
	w.logger.Info("worker starting",
		"queues", queueNames,
		"concurrency", w.cfg.Concurrency,
		"max_tasks", w.cfg.MaxTasks)

	w.reportStaleJobs(runCtx)

	cancelCh, err := w.broker.CancelRequests(runCtx, w.cfg.ID)
	if err != nil {
		return err
	}
	go w.watchCancellations(cancelCh)

	// Feeders exit when the broker closes their delivery channel.
	for _, q := range queues {
		msgs, err := w.broker.Subscribe(runCtx, w.cfg.ID, q.Name)
		if err != nil {
			return err
		}
		go func(q QueueDescriptor, msgs <-chan broker.Message) {
			for msg := range msgs {
				w.intake.Push(msg, q.Weight)
			}
		}(q, msgs)
	}

	admission := NewAdmissionController(w.cfg.ID, queueNames, w.broker, w.sampler, w.state, w.cfg.Admission, w.logger)
	var admissionDone sync.WaitGroup
	admissionDone.Add(1)
	go func() {
		defer admissionDone.Done()
		admission.Run(runCtx)
	}()

	var executors sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		executors.Add(1)
		go func() {
			defer executors.Done()
			w.executor(runCtx)
		}()
	}

	<-runCtx.Done()
	w.logger.Info("worker draining")

	// Stop intake first so executors only finish what they started.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := w.broker.StopConsuming(stopCtx, w.cfg.ID, queueNames); err != nil {
		w.logger.Warn("stop consuming during drain failed", "error", err)
	}
	stopCancel()
	w.intake.Close()

	drained := make(chan struct{})
	go func() {
		executors.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		w.logger.Info("worker drained", "executed", w.executed.Load())
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout exceeded, abandoning in-flight tasks",
			"timeout", w.cfg.DrainTimeout)
	}

	admissionDone.Wait()
	return nil
}

// executor is one task-executing goroutine: pop the highest-priority
// ready task, run it through the wrapper, release the slot.
func (w *Worker) executor(ctx context.Context) {
	for {
		msg, ok := w.intake.Pop()
		if !ok {
			return
		}

		if w.isCanceled(msg.Handle) {
			w.logger.Info("dropping canceled task", "task_handle", msg.Handle, "queue", msg.Queue)
			w.intake.Done(msg.Queue)
			continue
		}

		task, err := DecodeTask(msg.Body)
		if err != nil {
			w.logger.Error("malformed task dropped", "queue", msg.Queue, "error", err)
			w.intake.Done(msg.Queue)
			continue
		}

		w.runTask(ctx, task)
		w.intake.Done(msg.Queue)

		if n := w.executed.Add(1); w.cfg.MaxTasks > 0 && n >= w.cfg.MaxTasks {
			w.logger.Info("max tasks reached, recycling worker", "executed", n)
			w.stop()
			return
		}
	}
}

// runTask executes one task with lifecycle hooks and a force-cancelable
// context.
func (w *Worker) runTask(ctx context.Context, task Task) {
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	w.trackRunning(task.Handle, execCancel)
	defer w.untrackRunning(task.Handle)

	w.state.TaskStarted()
	defer w.state.TaskFinished()

	// The wrapper settles the job record and callback; the error return
	// is the hook for broker-level failure accounting.
	if err := w.wrapper.Execute(execCtx, task); err != nil {
		w.logger.Debug("task surfaced error to broker accounting",
			"task_handle", task.Handle, "error", err)
	}
}

// watchCancellations applies broadcast cancellation requests: queued
// tasks are remembered and skipped, force requests also cancel the
// running task's context.
func (w *Worker) watchCancellations(ch <-chan broker.CancelRequest) {
	for req := range ch {
		w.cancelMu.Lock()
		w.skipped[req.Handle] = true
		cancelRunning := w.running[req.Handle]
		w.cancelMu.Unlock()

		w.logger.Info("cancellation received", "task_handle", req.Handle, "force", req.Force)
		if req.Force && cancelRunning != nil {
			cancelRunning()
		}
	}
}

func (w *Worker) isCanceled(handle string) bool {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	return w.skipped[handle]
}

func (w *Worker) trackRunning(handle string, cancel context.CancelFunc) {
	w.cancelMu.Lock()
	w.running[handle] = cancel
	w.cancelMu.Unlock()
}

func (w *Worker) untrackRunning(handle string) {
	w.cancelMu.Lock()
	delete(w.running, handle)
	w.cancelMu.Unlock()
}

// reportStaleJobs logs non-terminal jobs that have not been touched for
// the configured threshold. Recovery itself is broker-driven through
// redelivery; the report gives operators visibility after a crash.
func (w *Worker) reportStaleJobs(ctx context.Context) {
	if w.cfg.StaleAfter <= 0 || w.store == nil {
		return
	}

	cutoff := time.Now().Add(-w.cfg.StaleAfter)
	for _, status := range []Status{StatusPending, StatusProcessing} {
		stale, err := w.store.List(ctx, ListFilter{Status: status, OlderThan: cutoff})
		if err != nil {
			w.logger.Warn("stale job scan failed", "status", status, "error", err)
			continue
		}
		for _, job := range stale {
			w.logger.Warn("stale job detected",
				"job_id", job.ID,
				"job_type", job.Type,
				"status", job.Status,
				"updated_at", job.UpdatedAt)
		}
	}
}
