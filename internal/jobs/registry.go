package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskContext is the standardized argument set handed to every runner:
// tenancy, correlation ids and a progress hook back into the wrapper.
type TaskContext struct {
	JobID      string
	TaskHandle string
	TraceID    string
	OrgID      string
	ProjectID  string
	Payload    []byte

	// Progress reports runner progress. Reports are debounced before
	// logging, so runners may call it as often as they like.
	Progress func(current, total int)

	logger *slog.Logger
}

// Logger returns a logger annotated with the task's correlation ids.
func (tc *TaskContext) Logger() *slog.Logger {
	if tc.logger == nil {
		return slog.Default()
	}
	return tc.logger
}

// Runner executes the business function for one job type. The returned
// value becomes the job's result reference on success.
//
// Delivery is at-least-once: a runner may be invoked again for a job that
// already ran. Runners must be idempotent or check the job's status before
// re-executing side effects (the wrapper skips jobs that are already
// terminal, but a crash between execution and the terminal transition
// still redelivers).
type Runner interface {
	Run(ctx context.Context, tc *TaskContext) (any, error)
}

// PayloadValidator is optionally implemented by runners that can check
// their typed payload up front, so malformed requests fail at dispatch
// time instead of at execution time.
type PayloadValidator interface {
	ValidatePayload(payload []byte) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, tc *TaskContext) (any, error)

func (f RunnerFunc) Run(ctx context.Context, tc *TaskContext) (any, error) {
	return f(ctx, tc)
}

// Registry maps job types to runners. It replaces the original dynamic
// string-to-callable dispatch with a compile-time registration populated
// at process startup.
type Registry struct {
	mu      sync.RWMutex
	runners map[Type]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[Type]Runner)}
}

// Register binds a runner to a job type. Registering the same type twice
// is a programming error.
func (r *Registry) Register(jobType Type, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[jobType]; exists {
		return fmt.Errorf("runner for %q already registered", jobType)
	}
	r.runners[jobType] = runner
	return nil
}

// MustRegister is Register for startup wiring, panicking on conflict.
func (r *Registry) MustRegister(jobType Type, runner Runner) {
	if err := r.Register(jobType, runner); err != nil {
		panic(err)
	}
}

// Resolve looks up the runner for a job type.
func (r *Registry) Resolve(jobType Type) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[jobType]
	return runner, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}

// progressReporter debounces progress callbacks to one log line per
// interval, with the final report always emitted.
func progressReporter(logger *slog.Logger, interval time.Duration) func(current, total int) {
	var mu sync.Mutex
	var last time.Time
	return func(current, total int) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(last) < interval && current != total {
			return
		}
		last = time.Now()
		logger.Info("task progress", "current", current, "total", total)
	}
}
