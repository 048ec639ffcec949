package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/taskd-go/internal/metrics"
)

// ErrUnknownJobType indicates a task referenced a job type with no
// registered runner. Fatal and non-retriable.
var ErrUnknownJobType = errors.New("unknown job type")

// ErrHardTimeLimit indicates a runner exceeded its hard time limit and
// its slot was reclaimed.
var ErrHardTimeLimit = errors.New("hard time limit exceeded")

// WrapperConfig tunes the execution wrapper.
type WrapperConfig struct {
	Retry RetryPolicy
	// SoftTimeLimit cancels the runner's context, asking it to wind down
	// gracefully. Zero disables the limit.
	SoftTimeLimit time.Duration
	// HardTimeLimit forcibly reclaims the execution slot. Exceeding it
	// counts as a transient failure and feeds the retry policy. Zero
	// disables the limit.
	HardTimeLimit time.Duration
	// ProgressInterval debounces runner progress reports.
	ProgressInterval time.Duration
}

// Wrapper is the generic entry point every worker goroutine runs for a
// delivered task: it resolves the runner, moves the job through its
// lifecycle, retries transient failures and triggers callback delivery.
type Wrapper struct {
	store     Store
	registry  *Registry
	notifier  Notifier
	collector *metrics.Collector
	cfg       WrapperConfig
	logger    *slog.Logger
}

// NewWrapper assembles an execution wrapper.
func NewWrapper(store Store, registry *Registry, notifier Notifier, collector *metrics.Collector, cfg WrapperConfig, logger *slog.Logger) *Wrapper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	return &Wrapper{
		store:     store,
		registry:  registry,
		notifier:  notifier,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one delivered task to a terminal job state. The returned
// error feeds the broker's own failure accounting (redelivery counters,
// dead-lettering); the job record and callback are already settled before
// it is returned.
func (w *Wrapper) Execute(ctx context.Context, task Task) error {
	logger := w.logger.With(
		"job_id", task.JobID,
		"task_handle", task.Handle,
		"job_type", task.Type,
		"trace_id", task.TraceID)

	runner, ok := w.registry.Resolve(task.Type)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownJobType, task.Type)
		logger.Error("unresolvable job type", "error", err)
		w.failJob(ctx, task, err.Error(), logger)
		return err
	}

	// Redelivery guard: a job that already reached a terminal state must
	// not run again or emit a second callback.
	current, err := w.store.Get(ctx, task.JobID)
	if err != nil {
		logger.Error("job lookup failed", "error", err)
		return fmt.Errorf("lookup job %s: %w", task.JobID, err)
	}
	if current.Status.Terminal() {
		logger.Info("skipping redelivered task, job already terminal", "status", current.Status)
		return nil
	}

	if _, err := w.store.Transition(ctx, task.JobID, StatusProcessing, TransitionParams{TaskHandle: &task.Handle}); err != nil {
		logger.Error("transition to processing failed", "error", err)
		return fmt.Errorf("transition job %s: %w", task.JobID, err)
	}
	logger.Info("task started")

	start := time.Now()
	result, err := w.runWithPolicy(ctx, runner, task, logger)
	duration := time.Since(start)
	w.collector.RecordTask(string(task.Type), duration, err != nil)

	if err != nil {
		logger.Error("task failed", "error", err, "duration_ms", duration.Milliseconds())
		w.failJob(ctx, task, err.Error(), logger)
		return err
	}

	resultRef, merr := json.Marshal(result)
	if merr != nil {
		// The business function succeeded but produced an unserializable
		// result; surface it as a failure rather than losing the outcome.
		logger.Error("result serialization failed", "error", merr)
		w.failJob(ctx, task, fmt.Sprintf("serialize result: %v", merr), logger)
		return fmt.Errorf("serialize result for job %s: %w", task.JobID, merr)
	}

	job, terr := w.store.Transition(ctx, task.JobID, StatusSuccess, TransitionParams{ResultRef: resultRef})
	if terr != nil {
		logger.Error("transition to success failed", "error", terr)
		return fmt.Errorf("transition job %s: %w", task.JobID, terr)
	}

	logger.Info("task completed", "duration_ms", duration.Milliseconds())
	w.notifier.Notify(ctx, task.CallbackURL, successEnvelope(job, result))
	return nil
}

// runWithPolicy invokes the runner under the bounded retry policy,
// counting retried attempts.
func (w *Wrapper) runWithPolicy(ctx context.Context, runner Runner, task Task, logger *slog.Logger) (any, error) {
	attempt := 0
	return runWithRetry(ctx, w.cfg.Retry, func(ctx context.Context) (any, error) {
		attempt++
		if attempt > 1 {
			w.collector.RecordRetry(string(task.Type))
			logger.Warn("retrying task", "attempt", attempt)
		}
		return w.invoke(ctx, runner, task, logger)
	})
}

// invoke runs the business function once under the soft and hard time
// limits. The soft limit cancels the runner's context; the hard limit
// abandons the runner goroutine and reclaims the slot.
func (w *Wrapper) invoke(ctx context.Context, runner Runner, task Task, logger *slog.Logger) (any, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if w.cfg.SoftTimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.SoftTimeLimit)
	}
	defer cancel()

	tc := &TaskContext{
		JobID:      task.JobID,
		TaskHandle: task.Handle,
		TraceID:    task.TraceID,
		OrgID:      task.OrgID,
		ProjectID:  task.ProjectID,
		Payload:    task.Payload,
		Progress:   progressReporter(logger, w.cfg.ProgressInterval),
		logger:     logger,
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("runner panicked: %v", r)}
			}
		}()
		result, err := runner.Run(runCtx, tc)
		done <- outcome{result: result, err: err}
	}()

	var hard <-chan time.Time
	if w.cfg.HardTimeLimit > 0 {
		timer := time.NewTimer(w.cfg.HardTimeLimit)
		defer timer.Stop()
		hard = timer.C
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-hard:
		cancel()
		return nil, Transient(fmt.Errorf("%w (%s)", ErrHardTimeLimit, w.cfg.HardTimeLimit))
	case <-ctx.Done():
		// Forced cancellation or worker shutdown.
		cancel()
		return nil, ctx.Err()
	}
}

// failJob settles a job as FAILED and delivers the failure callback.
// Store errors here are logged only: the task error itself still
// propagates to the broker's failure accounting.
func (w *Wrapper) failJob(ctx context.Context, task Task, errMsg string, logger *slog.Logger) {
	job, err := w.store.Transition(ctx, task.JobID, StatusFailed, TransitionParams{ErrorMessage: &errMsg})
	if err != nil {
		logger.Error("transition to failed failed", "error", err)
		return
	}
	w.notifier.Notify(ctx, task.CallbackURL, failureEnvelope(job, errMsg))
}
