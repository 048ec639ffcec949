package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is the wire envelope published onto a queue. The job type acts as
// the function reference: workers resolve it against their registry.
type Task struct {
	Handle      string          `json:"handle"`
	JobID       string          `json:"job_id"`
	Type        Type            `json:"type"`
	TraceID     string          `json:"trace_id"`
	OrgID       string          `json:"org_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	Priority    PriorityClass   `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// EncodeTask serializes a task envelope for publishing.
func EncodeTask(task Task) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.Handle, err)
	}
	return data, nil
}

// DecodeTask parses a task envelope received from the broker.
func DecodeTask(data []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}
