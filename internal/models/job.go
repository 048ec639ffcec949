// Package models defines data structures persisted by the taskd backend.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobRecord is the persisted form of an asynchronous job.
type JobRecord struct {
	ID           surrealmodels.RecordID `json:"id"`
	JobType      string                 `json:"job_type"`
	Status       string                 `json:"status"`
	TaskHandle   *string                `json:"task_handle,omitempty"`
	TraceID      string                 `json:"trace_id"`
	OrgID        *string                `json:"org_id,omitempty"`
	ProjectID    *string                `json:"project_id,omitempty"`
	CallbackURL  *string                `json:"callback_url,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	ResultRef    map[string]any         `json:"result_reference,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}
