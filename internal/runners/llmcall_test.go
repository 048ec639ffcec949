package runners

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/llm"
)

// stubGenerator records calls and returns a scripted response.
type stubGenerator struct {
	response   string
	err        error
	lastPrompt string
	lastSystem string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	s.lastPrompt = prompt
	return s.response, s.err
}

func (s *stubGenerator) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.lastSystem = systemPrompt
	s.lastPrompt = userPrompt
	return s.response, s.err
}

func (s *stubGenerator) Model() string { return "stub-model" }

func TestLLMCallRunner(t *testing.T) {
	gen := &stubGenerator{response: "the answer"}
	r := NewLLMCallRunner(gen)

	result, err := r.Run(context.Background(), &jobs.TaskContext{
		Payload: []byte(`{"prompt":"what is the answer?"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"output": "the answer", "model": "stub-model"}, result)
	assert.Equal(t, "what is the answer?", gen.lastPrompt)
	assert.Empty(t, gen.lastSystem)
}

func TestLLMCallRunnerSystemPrompt(t *testing.T) {
	gen := &stubGenerator{response: "ok"}
	r := NewLLMCallRunner(gen)

	_, err := r.Run(context.Background(), &jobs.TaskContext{
		Payload: []byte(`{"prompt":"hi","system":"be terse"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "be terse", gen.lastSystem)
	assert.Equal(t, "hi", gen.lastPrompt)
}

func TestLLMCallRunnerTransientFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("connection reset")}
	r := NewLLMCallRunner(gen)

	_, err := r.Run(context.Background(), &jobs.TaskContext{Payload: []byte(`{"prompt":"hi"}`)})
	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))
}

func TestLLMCallRunnerThrottlingRetries(t *testing.T) {
	// Provider throttling clears on its own, so it must feed the retry
	// policy rather than failing the job outright.
	gen := &stubGenerator{err: errors.New("429: rate limit exceeded")}
	r := NewLLMCallRunner(gen)

	_, err := r.Run(context.Background(), &jobs.TaskContext{Payload: []byte(`{"prompt":"hi"}`)})
	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))
	assert.NotErrorIs(t, err, llm.ErrFatalAPI)
}

func TestLLMCallRunnerFatalFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.Join(llm.ErrFatalAPI, errors.New("invalid api key"))}
	r := NewLLMCallRunner(gen)

	_, err := r.Run(context.Background(), &jobs.TaskContext{Payload: []byte(`{"prompt":"hi"}`)})
	require.Error(t, err)
	assert.False(t, jobs.IsTransient(err))
	assert.ErrorIs(t, err, llm.ErrFatalAPI)
}

func TestLLMCallRunnerValidatePayload(t *testing.T) {
	r := NewLLMCallRunner(&stubGenerator{})
	assert.NoError(t, r.ValidatePayload([]byte(`{"prompt":"hi"}`)))
	assert.ErrorContains(t, r.ValidatePayload([]byte(`{}`)), "prompt is required")
	assert.Error(t, r.ValidatePayload([]byte("{broken")))
}
