// Package server exposes the job subsystem over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/metrics"
)

// Server wraps the HTTP API with dependencies and lifecycle management.
type Server struct {
	store      jobs.Store
	dispatcher *jobs.Dispatcher
	collector  *metrics.Collector
	logger     *slog.Logger
	http       *http.Server
}

// New creates the API server listening on the given port.
func New(port string, store jobs.Store, dispatcher *jobs.Dispatcher, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		collector:  collector,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/tasks/{handle}", s.handleTaskStatus)
	mux.HandleFunc("POST /v1/tasks/{handle}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.http = &http.Server{
		Addr:         ":" + port,
		Handler:      LoggingMiddleware(logger, mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

type createJobRequest struct {
	Type        string          `json:"type"`
	Priority    string          `json:"priority,omitempty"`
	OrgID       string          `json:"org_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type createJobResponse struct {
	Job        *jobs.Job `json:"job"`
	TaskHandle string    `json:"task_handle,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// handleCreateJob records a PENDING job and dispatches its task. When the
// broker rejects the publish, the job is marked FAILED so it never lingers
// as a PENDING record with no queued task behind it.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.New().String()
	}

	job, err := s.store.Create(r.Context(), jobs.CreateParams{
		Type:        jobs.Type(req.Type),
		TraceID:     traceID,
		OrgID:       req.OrgID,
		ProjectID:   req.ProjectID,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.logger.Error("failed to create job", "job_type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	handle, err := s.dispatcher.Enqueue(r.Context(), jobs.EnqueueRequest{
		JobID:       job.ID,
		Type:        job.Type,
		Priority:    jobs.PriorityClass(req.Priority),
		TraceID:     traceID,
		OrgID:       req.OrgID,
		ProjectID:   req.ProjectID,
		CallbackURL: req.CallbackURL,
		Payload:     req.Payload,
	})
	if err != nil {
		msg := err.Error()
		failed, terr := s.store.Transition(r.Context(), job.ID, jobs.StatusFailed, jobs.TransitionParams{
			ErrorMessage: &msg,
		})
		if terr != nil {
			s.logger.Error("failed to mark undispatched job failed",
				"job_id", job.ID, "error", terr)
		} else {
			job = failed
		}
		s.logger.Error("failed to dispatch job", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, createJobResponse{Job: job, Error: msg})
		return
	}

	job.TaskHandle = handle
	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, TaskHandle: handle})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to fetch job", "job_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		Status:    jobs.Status(q.Get("status")),
		Type:      jobs.Type(q.Get("type")),
		ProjectID: q.Get("project_id"),
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.Status(r.Context(), r.PathValue("handle"))
	if err != nil {
		s.logger.Error("failed to resolve task status", "task_handle", r.PathValue("handle"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve task status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	force := r.URL.Query().Get("force") == "true"

	accepted, err := s.dispatcher.Cancel(r.Context(), handle, force)
	if err != nil {
		s.logger.Error("failed to request cancellation", "task_handle", handle, "error", err)
		writeError(w, http.StatusBadGateway, "failed to request cancellation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "force": force})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
