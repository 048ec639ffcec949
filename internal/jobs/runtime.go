package jobs

import "sync"

// WorkerState is the runtime state of one worker process: the admission
// pause flag and the count of concurrently executing tasks. Both are
// mutated under a single mutex so the admission control loop and the task
// lifecycle hooks never race each other. The state is local to one worker
// and never shared across processes.
type WorkerState struct {
	mu          sync.Mutex
	paused      bool
	activeTasks int
}

// NewWorkerState creates worker runtime state in the consuming position.
func NewWorkerState() *WorkerState {
	return &WorkerState{}
}

// TaskStarted records one more in-flight task.
func (s *WorkerState) TaskStarted() {
	s.mu.Lock()
	s.activeTasks++
	s.mu.Unlock()
}

// TaskFinished records the end of an in-flight task.
func (s *WorkerState) TaskFinished() {
	s.mu.Lock()
	s.activeTasks--
	s.mu.Unlock()
}

// Snapshot returns the current pause flag and in-flight task count.
func (s *WorkerState) Snapshot() (paused bool, activeTasks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.activeTasks
}
