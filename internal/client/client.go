// Package client provides an HTTP client for the taskd API server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
)

// Client talks to the taskd API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
// If baseURL is empty, uses TASKD_SERVER_URL env var or defaults to localhost:8480.
// Timeout can be configured via TASKD_CLIENT_TIMEOUT env var (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("TASKD_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8480"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("TASKD_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError is the server's JSON error body.
type apiError struct {
	Error string `json:"error"`
}

// do sends a request with an optional JSON body and decodes the JSON
// response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// SubmitJobInput is the input for submitting a job.
type SubmitJobInput struct {
	Type        string          `json:"type"`
	Priority    string          `json:"priority,omitempty"`
	OrgID       string          `json:"org_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SubmitJobResult is the server's response to a job submission.
type SubmitJobResult struct {
	Job        *jobs.Job `json:"job"`
	TaskHandle string    `json:"task_handle,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SubmitJob creates a job and dispatches its task.
func (c *Client) SubmitJob(ctx context.Context, input SubmitJobInput) (*SubmitJobResult, error) {
	var result SubmitJobResult
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", input, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsOptions filters job listings.
type ListJobsOptions struct {
	Status    string
	Type      string
	ProjectID string
}

// ListJobs returns jobs matching the filter, most recent first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]*jobs.Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.ProjectID != "" {
		q.Set("project_id", opts.ProjectID)
	}

	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// TaskStatus resolves a task handle to its execution state.
func (c *Client) TaskStatus(ctx context.Context, handle string) (*jobs.TaskStatus, error) {
	var status jobs.TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(handle), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelResult reports whether the broker accepted a cancellation request.
type CancelResult struct {
	Accepted bool `json:"accepted"`
	Force    bool `json:"force"`
}

// CancelTask requests cancellation of a dispatched task.
func (c *Client) CancelTask(ctx context.Context, handle string, force bool) (*CancelResult, error) {
	path := "/v1/tasks/" + url.PathEscape(handle) + "/cancel"
	if force {
		path += "?force=true"
	}

	var result CancelResult
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the server's in-memory task metrics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}
