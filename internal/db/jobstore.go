package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/models"
)

// JobStore adapts the SurrealDB client to the jobs.Store interface.
type JobStore struct {
	client *Client
}

// NewJobStore creates the durable job store over an established client.
func NewJobStore(client *Client) *JobStore {
	return &JobStore{client: client}
}

func (s *JobStore) Create(ctx context.Context, params jobs.CreateParams) (*jobs.Job, error) {
	rec, err := s.client.CreateJob(ctx,
		uuid.New().String(),
		string(params.Type),
		params.TraceID,
		optional(params.OrgID),
		optional(params.ProjectID),
		optional(params.CallbackURL),
	)
	if err != nil {
		return nil, err
	}
	return recordToJob(rec)
}

func (s *JobStore) Transition(ctx context.Context, id string, status jobs.Status, params jobs.TransitionParams) (*jobs.Job, error) {
	update := JobUpdate{
		TaskHandle:   params.TaskHandle,
		ErrorMessage: params.ErrorMessage,
	}
	if params.ResultRef != nil {
		ref, err := resultRefObject(params.ResultRef)
		if err != nil {
			return nil, err
		}
		update.ResultRef = ref
	}

	rec, err := s.client.TransitionJob(ctx, id, string(status), update)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return recordToJob(rec)
}

func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	rec, err := s.client.GetJob(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return recordToJob(rec)
}

func (s *JobStore) GetByHandle(ctx context.Context, handle string) (*jobs.Job, error) {
	rec, err := s.client.GetJobByHandle(ctx, handle)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return recordToJob(rec)
}

func (s *JobStore) List(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	recs, err := s.client.ListJobs(ctx, JobFilter{
		Status:    string(filter.Status),
		JobType:   string(filter.Type),
		ProjectID: filter.ProjectID,
		OlderThan: filter.OlderThan,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*jobs.Job, 0, len(recs))
	for i := range recs {
		job, err := recordToJob(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// mapNotFound translates the db sentinel into the store interface's.
func mapNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", jobs.ErrJobNotFound, err)
	}
	return err
}

func recordToJob(rec *models.JobRecord) (*jobs.Job, error) {
	id, err := models.RecordIDString(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("job record id: %w", err)
	}

	job := &jobs.Job{
		ID:        id,
		Type:      jobs.Type(rec.JobType),
		Status:    jobs.Status(rec.Status),
		TraceID:   rec.TraceID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.TaskHandle != nil {
		job.TaskHandle = *rec.TaskHandle
	}
	if rec.OrgID != nil {
		job.OrgID = *rec.OrgID
	}
	if rec.ProjectID != nil {
		job.ProjectID = *rec.ProjectID
	}
	if rec.CallbackURL != nil {
		job.CallbackURL = *rec.CallbackURL
	}
	if rec.ErrorMessage != nil {
		job.ErrorMessage = *rec.ErrorMessage
	}
	if rec.ResultRef != nil {
		ref, err := json.Marshal(rec.ResultRef)
		if err != nil {
			return nil, fmt.Errorf("job %s result reference: %w", id, err)
		}
		job.ResultRef = ref
	}
	return job, nil
}

// resultRefObject converts an arbitrary JSON result into the object shape
// the schema stores. Non-object results are wrapped under "value".
func resultRefObject(raw json.RawMessage) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode result reference: %w", err)
	}
	if obj, ok := v.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"value": v}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
