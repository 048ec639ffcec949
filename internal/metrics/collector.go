// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// TaskMetrics holds aggregated execution metrics for a single job type.
type TaskMetrics struct {
	Count     int64
	Failures  int64
	Retries   int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// TaskSnapshot provides computed stats from raw metrics.
type TaskSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	Retries     int64   `json:"retries"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents full worker statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Tasks         map[string]TaskSnapshot `json:"tasks"`
}

// Collector aggregates in-memory task execution statistics per job type.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	tasks     map[string]*TaskMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		tasks:     make(map[string]*TaskMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for a job type.
// Caller must hold write lock.
func (c *Collector) getOrCreate(jobType string) *TaskMetrics {
	m, ok := c.tasks[jobType]
	if !ok {
		m = &TaskMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.tasks[jobType] = m
	}
	return m
}

// RecordTask records one completed task execution.
func (c *Collector) RecordTask(jobType string, duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(jobType)
	m.Count++
	if failed {
		m.Failures++
	}
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordRetry records one retried task attempt.
func (c *Collector) RecordRetry(jobType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(jobType).Retries++
}

// snapshotTask creates a snapshot for a job type, returning a zero value
// if no data was recorded yet.
func snapshotTask(m *TaskMetrics) TaskSnapshot {
	if m == nil || m.Count == 0 {
		return TaskSnapshot{}
	}
	return TaskSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		Retries:     m.Retries,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tasks := make(map[string]TaskSnapshot, len(c.tasks))
	for jobType, m := range c.tasks {
		tasks[jobType] = snapshotTask(m)
	}
	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Tasks:         tasks,
	}
}
