package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/taskd-go/internal/broker"
	"github.com/raphaelgruber/taskd-go/internal/client"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/metrics"
)

type serverFixture struct {
	store  *jobs.MemoryStore
	broker *broker.MemoryBroker
	ts     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &serverFixture{
		store:  jobs.NewMemoryStore(),
		broker: broker.NewMemoryBroker(),
	}
	dispatcher := jobs.NewDispatcher(f.broker, f.store, jobs.DefaultTopology(), nil, logger)
	srv := New("0", f.store, dispatcher, metrics.NewCollector(), logger)

	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		f.ts.Close()
		f.broker.Close()
	})
	return f
}

func TestCreateJob(t *testing.T) {
	f := newServerFixture(t)

	body := `{"type":"llm-call","priority":"high","project_id":"p1","payload":{"prompt":"hi"}}`
	resp, err := http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Job        *jobs.Job `json:"job"`
		TaskHandle string    `json:"task_handle"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	assert.NotEmpty(t, result.Job.ID)
	assert.Equal(t, jobs.StatusPending, result.Job.Status)
	assert.Equal(t, jobs.TypeLLMCall, result.Job.Type)
	assert.NotEmpty(t, result.Job.TraceID)
	assert.NotEmpty(t, result.TaskHandle)

	// The task landed on the high-priority queue.
	assert.Equal(t, 1, f.broker.QueueDepth("tasks-high"))
}

func TestCreateJobValidation(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJobBrokerFailureMarksJobFailed(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.broker.Close())

	body := `{"type":"llm-call"}`
	resp, err := http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var result struct {
		Job   *jobs.Job `json:"job"`
		Error string    `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, jobs.StatusFailed, result.Job.Status)
	assert.NotEmpty(t, result.Error)

	// The failed job is durable: no PENDING ghost remains.
	stored, err := f.store.Get(context.Background(), result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestGetJob(t *testing.T) {
	f := newServerFixture(t)

	job, err := f.store.Create(context.Background(), jobs.CreateParams{Type: jobs.TypeLLMCall})
	require.NoError(t, err)

	resp, err := http.Get(f.ts.URL + "/v1/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got jobs.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)

	resp, err = http.Get(f.ts.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsFiltered(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, jobs.CreateParams{Type: jobs.TypeLLMCall, ProjectID: "p1"})
	require.NoError(t, err)
	_, err = f.store.Create(ctx, jobs.CreateParams{Type: jobs.TypeDocumentTransform, ProjectID: "p2"})
	require.NoError(t, err)

	resp, err := http.Get(f.ts.URL + "/v1/jobs?project_id=p2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, jobs.TypeDocumentTransform, result.Jobs[0].Type)
}

func TestTaskStatusAndCancel(t *testing.T) {
	f := newServerFixture(t)

	// Submit through the API so a task handle exists.
	body := `{"type":"llm-call","priority":"low"}`
	resp, err := http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var created struct {
		TaskHandle string `json:"task_handle"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/v1/tasks/" + created.TaskHandle)
	require.NoError(t, err)
	var status jobs.TaskStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, jobs.TaskPending, status.State)

	resp, err = http.Post(f.ts.URL+"/v1/tasks/"+created.TaskHandle+"/cancel?force=true", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cancelResult struct {
		Accepted bool `json:"accepted"`
		Force    bool `json:"force"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelResult))
	assert.True(t, cancelResult.Accepted)
	assert.True(t, cancelResult.Force)
	assert.Equal(t, 0, f.broker.QueueDepth("tasks-low"))
}

func TestTaskStatusUnknownHandle(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/tasks/never-dispatched")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status jobs.TaskStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, jobs.TaskUnknown, status.State)
}

func TestStatsAndHealth(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))

	resp, err = http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	c := client.New(f.ts.URL)

	result, err := c.SubmitJob(ctx, client.SubmitJobInput{
		Type:     "llm-call",
		Priority: "high",
		Payload:  json.RawMessage(`{"prompt":"hi"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TaskHandle)

	job, err := c.GetJob(ctx, result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Job.ID, job.ID)

	list, err := c.ListJobs(ctx, client.ListJobsOptions{Status: "PENDING"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	status, err := c.TaskStatus(ctx, result.TaskHandle)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskPending, status.State)

	cancelResult, err := c.CancelTask(ctx, result.TaskHandle, false)
	require.NoError(t, err)
	assert.True(t, cancelResult.Accepted)

	_, err = c.GetJob(ctx, "missing")
	assert.ErrorContains(t, err, "job not found")
}
