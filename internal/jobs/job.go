// Package jobs implements the asynchronous job execution subsystem: job
// lifecycle records, priority routing, task dispatch, worker execution and
// resource-adaptive admission control.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job. Transitions only move forward
// along PENDING -> PROCESSING -> {SUCCESS, FAILED}.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Type identifies which class of business function a job executes.
// Runners are registered per type at process startup.
type Type string

const (
	TypeDocumentTransform Type = "document-transform"
	TypeLLMCall           Type = "llm-call"
	TypeCollectionCreate  Type = "collection-create"
	TypeCollectionDelete  Type = "collection-delete"
	TypeModelEvaluation   Type = "model-evaluation"
)

// PriorityClass is a caller-declared urgency tag that determines which
// queue a task is routed to. It is never inferred from the payload.
type PriorityClass string

const (
	PriorityHigh    PriorityClass = "high"
	PriorityLow     PriorityClass = "low"
	PriorityCron    PriorityClass = "cron"
	PriorityDefault PriorityClass = "default"
)

// Job is the durable record of one requested unit of asynchronous work.
// It is the single source of truth read by status-polling clients.
type Job struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Status       Status          `json:"status"`
	TaskHandle   string          `json:"task_handle,omitempty"`
	TraceID      string          `json:"trace_id"`
	OrgID        string          `json:"org_id,omitempty"`
	ProjectID    string          `json:"project_id,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultRef    json.RawMessage `json:"result_reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
