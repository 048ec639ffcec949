package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound indicates the requested job does not exist.
var ErrJobNotFound = errors.New("job not found")

// CreateParams are the caller-supplied fields for a new job record.
type CreateParams struct {
	Type        Type
	TraceID     string
	OrgID       string
	ProjectID   string
	CallbackURL string
}

// TransitionParams carries the optional fields updated together with a
// status change. Nil fields are left untouched.
type TransitionParams struct {
	TaskHandle   *string
	ErrorMessage *string
	ResultRef    json.RawMessage
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    Status
	Type      Type
	ProjectID string
	// OlderThan matches jobs whose last update is before the given time.
	OlderThan time.Time
}

// Store persists job lifecycle records.
//
// Transition updates fields and status atomically. The store does not
// enforce transition ordering; every call site only ever moves a job
// forward (a same-status call is a plain field update, used to record the
// task handle after dispatch).
type Store interface {
	Create(ctx context.Context, params CreateParams) (*Job, error)
	Transition(ctx context.Context, id string, status Status, params TransitionParams) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	GetByHandle(ctx context.Context, handle string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
}

// MemoryStore is a mutex-guarded in-memory Store, used in tests and in
// embedded single-process mode where no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        params.Type,
		Status:      StatusPending,
		TraceID:     params.TraceID,
		OrgID:       params.OrgID,
		ProjectID:   params.ProjectID,
		CallbackURL: params.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	snapshot := *job
	return &snapshot, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, status Status, params TransitionParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	job.Status = status
	if params.TaskHandle != nil {
		job.TaskHandle = *params.TaskHandle
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = *params.ErrorMessage
	}
	if params.ResultRef != nil {
		job.ResultRef = params.ResultRef
	}
	job.UpdatedAt = time.Now().UTC()

	snapshot := *job
	return &snapshot, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (s *MemoryStore) GetByHandle(ctx context.Context, handle string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.TaskHandle == handle && handle != "" {
			snapshot := *job
			return &snapshot, nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.ProjectID != "" && job.ProjectID != filter.ProjectID {
			continue
		}
		if !filter.OlderThan.IsZero() && !job.UpdatedAt.Before(filter.OlderThan) {
			continue
		}
		snapshot := *job
		out = append(out, &snapshot)
	}

	// Most recent first, matching what status-polling clients expect.
	slices.SortFunc(out, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}
