package jobs

import (
	"container/heap"
	"sync"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

// bufferItem is one delivered task waiting for an executor slot.
type bufferItem struct {
	msg    broker.Message
	weight int
	seq    uint64
}

// itemHeap orders buffered tasks by descending queue weight, then arrival
// order. Per-queue delivery stays best-effort FIFO.
type itemHeap []bufferItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(bufferItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// taskBuffer is a worker's prioritized intake: queue feeders push
// deliveries in, executors pop the highest-weight ready task out. It also
// enforces per-queue in-flight caps.
type taskBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     itemHeap
	seq      uint64
	caps     map[string]int
	inflight map[string]int
	closed   bool
}

func newTaskBuffer(queues []QueueDescriptor) *taskBuffer {
	caps := make(map[string]int, len(queues))
	for _, q := range queues {
		if q.MaxInFlight > 0 {
			caps[q.Name] = q.MaxInFlight
		}
	}
	b := &taskBuffer{
		caps:     caps,
		inflight: make(map[string]int),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push adds a delivery to the buffer.
func (b *taskBuffer) Push(msg broker.Message, weight int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.seq++
	heap.Push(&b.heap, bufferItem{msg: msg, weight: weight, seq: b.seq})
	b.cond.Signal()
}

// Pop blocks until a task from a queue under its in-flight cap is
// available, marks the queue in flight and returns the delivery. The
// second return is false once the buffer is closed.
func (b *taskBuffer) Pop() (broker.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return broker.Message{}, false
		}
		if idx, ok := b.eligible(); ok {
			item := heap.Remove(&b.heap, idx).(bufferItem)
			b.inflight[item.msg.Queue]++
			return item.msg, true
		}
		b.cond.Wait()
	}
}

// eligible finds the highest-priority buffered task whose queue is under
// its cap. Requires b.mu held.
func (b *taskBuffer) eligible() (int, bool) {
	best := -1
	for i, item := range b.heap {
		if cap, capped := b.caps[item.msg.Queue]; capped && b.inflight[item.msg.Queue] >= cap {
			continue
		}
		if best == -1 || b.heap.Less(i, best) {
			best = i
		}
	}
	return best, best != -1
}

// Done releases a queue's in-flight slot after task completion.
func (b *taskBuffer) Done(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight[queue] > 0 {
		b.inflight[queue]--
	}
	b.cond.Broadcast()
}

// Close wakes all blocked executors; pending items are dropped (the
// broker will redeliver them to another worker).
func (b *taskBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len reports the number of buffered tasks.
func (b *taskBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap)
}
