package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

// TaskState is the dispatcher's best-effort view of a task. It is
// eventually consistent with actual execution; the job record is the
// source of truth.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
	TaskUnknown TaskState = "UNKNOWN"
)

// TaskStatus is the result of a task handle lookup.
type TaskStatus struct {
	State TaskState `json:"state"`
	Info  string    `json:"info,omitempty"`
}

// EnqueueRequest describes one unit of work to dispatch. The job record
// must already exist (status PENDING) before dispatch.
type EnqueueRequest struct {
	JobID       string
	Type        Type
	Priority    PriorityClass
	TraceID     string
	OrgID       string
	ProjectID   string
	CallbackURL string
	Payload     json.RawMessage
}

// publishTimeout bounds how long an enqueue may block on the broker.
const publishTimeout = 10 * time.Second

// Dispatcher routes tasks onto the priority queue topology and answers
// status and cancellation requests.
type Dispatcher struct {
	broker   broker.Broker
	store    Store
	topology Topology
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over a broker and job store. A
// non-nil registry enables fail-fast validation at dispatch time: unknown
// job types are rejected and runners implementing PayloadValidator get to
// check their payload before anything is published.
func NewDispatcher(b broker.Broker, store Store, topology Topology, registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{broker: b, store: store, topology: topology, registry: registry, logger: logger}
}

// Enqueue records a task handle on the job, serializes the task envelope
// and publishes it onto the queue for the request's priority class,
// returning the handle. The handle is written before publishing: once the
// task is on the queue a worker may finish it at any moment, and a
// handle write after that point could overwrite a terminal status.
// Publish failures propagate so the caller can mark the job FAILED
// instead of leaving it silently lost.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if d.registry != nil {
		runner, ok := d.registry.Resolve(req.Type)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownJobType, req.Type)
		}
		if v, ok := runner.(PayloadValidator); ok {
			if err := v.ValidatePayload(req.Payload); err != nil {
				return "", fmt.Errorf("invalid payload for %s: %w", req.Type, err)
			}
		}
	}

	queue := d.topology.QueueFor(req.Priority)
	handle := uuid.New().String()

	// Same-status transition: the handle lands on the record without
	// advancing the lifecycle.
	if _, err := d.store.Transition(ctx, req.JobID, StatusPending, TransitionParams{TaskHandle: &handle}); err != nil {
		return "", fmt.Errorf("record task handle for job %s: %w", req.JobID, err)
	}

	task := Task{
		Handle:      handle,
		JobID:       req.JobID,
		Type:        req.Type,
		TraceID:     req.TraceID,
		OrgID:       req.OrgID,
		ProjectID:   req.ProjectID,
		Priority:    req.Priority,
		Payload:     req.Payload,
		CallbackURL: req.CallbackURL,
		EnqueuedAt:  time.Now().UTC(),
	}

	body, err := EncodeTask(task)
	if err != nil {
		return "", err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := d.broker.Publish(pubCtx, queue.Name, handle, body); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", req.JobID, err)
	}

	d.logger.Info("task enqueued",
		"job_id", req.JobID,
		"task_handle", handle,
		"job_type", req.Type,
		"queue", queue.Name,
		"priority", req.Priority,
		"trace_id", req.TraceID)
	return handle, nil
}

// Status resolves a task handle to its best-effort execution state.
func (d *Dispatcher) Status(ctx context.Context, handle string) (TaskStatus, error) {
	job, err := d.store.GetByHandle(ctx, handle)
	if errors.Is(err, ErrJobNotFound) {
		return TaskStatus{State: TaskUnknown, Info: "no job recorded for handle"}, nil
	}
	if err != nil {
		return TaskStatus{}, fmt.Errorf("task status %s: %w", handle, err)
	}

	switch job.Status {
	case StatusPending:
		return TaskStatus{State: TaskPending}, nil
	case StatusProcessing:
		return TaskStatus{State: TaskRunning}, nil
	case StatusSuccess:
		return TaskStatus{State: TaskSuccess}, nil
	case StatusFailed:
		return TaskStatus{State: TaskFailure, Info: job.ErrorMessage}, nil
	default:
		return TaskStatus{State: TaskUnknown}, nil
	}
}

// Cancel requests cancellation of a dispatched task. force also asks
// workers to terminate the task if it is already running. The returned
// flag reports whether the broker accepted the request, not whether the
// task stopped; callers must treat the job status as the source of truth.
func (d *Dispatcher) Cancel(ctx context.Context, handle string, force bool) (bool, error) {
	accepted, err := d.broker.Cancel(ctx, handle, force)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", handle, err)
	}
	d.logger.Info("cancellation requested", "task_handle", handle, "force", force, "accepted", accepted)
	return accepted, nil
}
