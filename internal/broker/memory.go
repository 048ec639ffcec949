package broker

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process Broker backed by mutex-guarded queues.
// It is used in tests and in embedded single-process mode. Delivery per
// queue is FIFO; competing consumers race for the head of the queue.
type MemoryBroker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[string][]Message
	paused    map[string]map[string]bool
	cancelSub map[string][]chan CancelRequest
	done      chan struct{}
	closed    bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues:    make(map[string][]Message),
		paused:    make(map[string]map[string]bool),
		cancelSub: make(map[string][]chan CancelRequest),
		done:      make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(ctx context.Context, queue, handle string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("publish to %s: broker closed", queue)
	}
	b.queues[queue] = append(b.queues[queue], Message{Queue: queue, Handle: handle, Body: body})
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, workerID, queue string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe %s: broker closed", queue)
	}

	out := make(chan Message)
	go b.consume(workerID, queue, out)
	return out, nil
}

// consume moves messages from the queue to a subscriber channel, blocking
// while the worker is paused or the queue is empty.
func (b *MemoryBroker) consume(workerID, queue string, out chan Message) {
	defer close(out)
	for {
		b.mu.Lock()
		for !b.closed && (b.isPaused(workerID, queue) || len(b.queues[queue]) == 0) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		msg := b.queues[queue][0]
		b.queues[queue] = b.queues[queue][1:]
		b.mu.Unlock()

		select {
		case out <- msg:
		case <-b.done:
			return
		}
	}
}

// isPaused requires b.mu held.
func (b *MemoryBroker) isPaused(workerID, queue string) bool {
	return b.paused[workerID][queue]
}

func (b *MemoryBroker) StopConsuming(ctx context.Context, workerID string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused[workerID] == nil {
		b.paused[workerID] = make(map[string]bool)
	}
	for _, q := range queues {
		b.paused[workerID][q] = true
	}
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) StartConsuming(ctx context.Context, workerID string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range queues {
		delete(b.paused[workerID], q)
	}
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Cancel(ctx context.Context, handle string, force bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, fmt.Errorf("cancel %s: broker closed", handle)
	}

	// Drop queued deliveries for the handle before any consumer sees them.
	for queue, msgs := range b.queues {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Handle != handle {
				kept = append(kept, m)
			}
		}
		b.queues[queue] = kept
	}

	req := CancelRequest{Handle: handle, Force: force}
	for _, subs := range b.cancelSub {
		for _, ch := range subs {
			select {
			case ch <- req:
			default: // subscriber backlog full, advisory anyway
			}
		}
	}
	return true, nil
}

func (b *MemoryBroker) CancelRequests(ctx context.Context, workerID string) (<-chan CancelRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("cancel requests for %s: broker closed", workerID)
	}
	ch := make(chan CancelRequest, 16)
	b.cancelSub[workerID] = append(b.cancelSub[workerID], ch)
	return ch, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.cond.Broadcast()
	for _, subs := range b.cancelSub {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.cancelSub = make(map[string][]chan CancelRequest)
	return nil
}

// QueueDepth reports the number of queued messages, for tests and stats.
func (b *MemoryBroker) QueueDepth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}
