package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, CreateParams{
		Type:      TypeDocumentTransform,
		TraceID:   "trace-1",
		ProjectID: "proj-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, TypeDocumentTransform, job.Type)
	assert.Equal(t, "trace-1", job.TraceID)
	assert.Empty(t, job.TaskHandle)
	assert.Empty(t, job.ErrorMessage)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestMemoryStoreTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall, TraceID: "t"})
	require.NoError(t, err)

	handle := "handle-1"
	updated, err := store.Transition(ctx, job.ID, StatusProcessing, TransitionParams{TaskHandle: &handle})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)
	assert.Equal(t, handle, updated.TaskHandle)

	result := json.RawMessage(`{"tokens":128}`)
	updated, err = store.Transition(ctx, job.ID, StatusSuccess, TransitionParams{ResultRef: result})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, updated.Status)
	assert.JSONEq(t, `{"tokens":128}`, string(updated.ResultRef))
	// Fields from earlier transitions stay untouched.
	assert.Equal(t, handle, updated.TaskHandle)
}

func TestMemoryStoreTransitionFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, CreateParams{Type: TypeLLMCall})
	require.NoError(t, err)

	msg := "upstream timeout"
	failed, err := store.Transition(ctx, job.ID, StatusFailed, TransitionParams{ErrorMessage: &msg})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, msg, failed.ErrorMessage)
	assert.True(t, failed.Status.Terminal())
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.GetByHandle(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.Transition(ctx, "nope", StatusFailed, TransitionParams{})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStoreGetByHandle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, CreateParams{Type: TypeModelEvaluation})
	require.NoError(t, err)

	handle := "handle-xyz"
	_, err = store.Transition(ctx, job.ID, StatusPending, TransitionParams{TaskHandle: &handle})
	require.NoError(t, err)

	found, err := store.GetByHandle(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	// An empty handle must never match jobs without one.
	_, err = store.GetByHandle(ctx, "")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, err := store.Create(ctx, CreateParams{Type: TypeLLMCall, ProjectID: "p1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateParams{Type: TypeDocumentTransform, ProjectID: "p2"})
	require.NoError(t, err)

	msg := "boom"
	_, err = store.Transition(ctx, a.ID, StatusFailed, TransitionParams{ErrorMessage: &msg})
	require.NoError(t, err)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := store.List(ctx, ListFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	byProject, err := store.List(ctx, ListFilter{ProjectID: "p2"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, TypeDocumentTransform, byProject[0].Type)

	none, err := store.List(ctx, ListFilter{OlderThan: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)

	stale, err := store.List(ctx, ListFilter{OlderThan: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
