package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/taskd-go/internal/models"
)

// CreateJob inserts a new job record with status PENDING.
func (c *Client) CreateJob(ctx context.Context, id, jobType, traceID string, orgID, projectID, callbackURL *string) (*models.JobRecord, error) {
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, `
		CREATE type::record("job", $id) CONTENT {
			job_type: $job_type,
			status: 'PENDING',
			trace_id: $trace_id,
			org_id: $org_id,
			project_id: $project_id,
			callback_url: $callback_url
		}
	`, map[string]any{
		"id":           id,
		"job_type":     jobType,
		"trace_id":     traceID,
		"org_id":       orgID,
		"project_id":   projectID,
		"callback_url": callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create job %s: empty result", id)
	}
	return &(*results)[0].Result[0], nil
}

// JobUpdate carries the optional fields changed by TransitionJob.
type JobUpdate struct {
	TaskHandle   *string
	ErrorMessage *string
	ResultRef    map[string]any
}

// TransitionJob atomically updates a job's status and optional fields in
// one UPDATE statement. Returns ErrNotFound for unknown ids.
func (c *Client) TransitionJob(ctx context.Context, id, status string, update JobUpdate) (*models.JobRecord, error) {
	sets := []string{"status = $status", "updated_at = time::now()"}
	vars := map[string]any{"id": id, "status": status}

	if update.TaskHandle != nil {
		sets = append(sets, "task_handle = $task_handle")
		vars["task_handle"] = *update.TaskHandle
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = $error_message")
		vars["error_message"] = *update.ErrorMessage
	}
	if update.ResultRef != nil {
		sets = append(sets, "result_reference = $result_reference")
		vars["result_reference"] = update.ResultRef
	}

	sql := fmt.Sprintf(`
		UPDATE type::record("job", $id) SET %s RETURN AFTER
	`, strings.Join(sets, ", "))

	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("transition job: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("transition job %s: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// GetJob retrieves a job record by ID. Returns ErrNotFound when absent.
func (c *Client) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// GetJobByHandle retrieves the job record dispatched with the given task
// handle. Returns ErrNotFound when no job carries the handle.
func (c *Client) GetJobByHandle(ctx context.Context, handle string) (*models.JobRecord, error) {
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, `
		SELECT * FROM job WHERE task_handle = $handle LIMIT 1
	`, map[string]any{"handle": handle})
	if err != nil {
		return nil, fmt.Errorf("get job by handle: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get job by handle %s: %w", handle, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status    string
	JobType   string
	ProjectID string
	OlderThan time.Time
}

// ListJobs returns job records matching the filter, most recent first.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]models.JobRecord, error) {
	clauses := []string{}
	vars := map[string]any{}

	if filter.Status != "" {
		clauses = append(clauses, "status = $status")
		vars["status"] = filter.Status
	}
	if filter.JobType != "" {
		clauses = append(clauses, "job_type = $job_type")
		vars["job_type"] = filter.JobType
	}
	if filter.ProjectID != "" {
		clauses = append(clauses, "project_id = $project_id")
		vars["project_id"] = filter.ProjectID
	}
	if !filter.OlderThan.IsZero() {
		clauses = append(clauses, "updated_at < $older_than")
		vars["older_than"] = filter.OlderThan
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	sql := fmt.Sprintf(`SELECT * FROM job %s ORDER BY created_at DESC`, where)

	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.JobRecord{}, nil
	}
	return (*results)[0].Result, nil
}
