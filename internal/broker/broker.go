// Package broker abstracts the task queue transport: publishing task
// envelopes onto named queues, competing consumption by workers, the
// admission control plane (stop/start consuming) and advisory cancellation.
package broker

import "context"

// Message is one task delivery. Body is the serialized task envelope; the
// handle is carried alongside so queued messages can be matched by
// cancellation without decoding the body.
type Message struct {
	Queue  string
	Handle string
	Body   []byte
}

// CancelRequest is a broadcast advisory cancellation. Force requests
// termination of an already-running task, not just a queued one.
type CancelRequest struct {
	Handle string `json:"handle"`
	Force  bool   `json:"force"`
}

// Broker is the task transport used by the dispatcher and workers.
//
// Delivery is at-least-once: a message may be redelivered after a worker
// crash, so task execution must be idempotent. StopConsuming and
// StartConsuming are the control-plane commands issued by the admission
// controller; they affect only the named worker's consumption.
type Broker interface {
	// Publish enqueues a task envelope onto a queue. Publish failures
	// propagate to the caller so the originating job can be failed
	// instead of silently lost.
	Publish(ctx context.Context, queue, handle string, body []byte) error

	// Subscribe starts delivering messages from a queue to the returned
	// channel. Workers on the same queue compete for messages. The
	// channel is closed when the broker shuts down.
	Subscribe(ctx context.Context, workerID, queue string) (<-chan Message, error)

	// StopConsuming pauses delivery to the given worker for all named
	// queues. Messages stay queued for other consumers.
	StopConsuming(ctx context.Context, workerID string, queues []string) error

	// StartConsuming resumes delivery previously paused by StopConsuming.
	StartConsuming(ctx context.Context, workerID string, queues []string) error

	// Cancel requests cancellation of a dispatched task. The request is
	// fire-and-forget: the return value reports acceptance, not whether
	// the task actually stopped.
	Cancel(ctx context.Context, handle string, force bool) (bool, error)

	// CancelRequests delivers broadcast cancellations to a worker.
	CancelRequests(ctx context.Context, workerID string) (<-chan CancelRequest, error)

	Close() error
}
