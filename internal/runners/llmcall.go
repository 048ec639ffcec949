package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/llm"
)

// TextGenerator is the surface of llm.Model used by the llm-call runner.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// llmCallPayload is the input for an llm-call job.
type llmCallPayload struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

// LLMCallRunner sends a prompt to the configured LLM provider and
// returns the completion. Provider failures retry unless the error is
// fatal (billing, quota, authentication).
type LLMCallRunner struct {
	model TextGenerator
}

// NewLLMCallRunner creates an llm-call runner backed by the given model.
func NewLLMCallRunner(model TextGenerator) *LLMCallRunner {
	return &LLMCallRunner{model: model}
}

func (r *LLMCallRunner) Run(ctx context.Context, tc *jobs.TaskContext) (any, error) {
	p, err := r.decode(tc.Payload)
	if err != nil {
		return nil, err
	}

	var output string
	if p.System != "" {
		output, err = r.model.GenerateWithSystem(ctx, p.System, p.Prompt)
	} else {
		output, err = r.model.Generate(ctx, p.Prompt)
	}
	if err != nil {
		if errors.Is(err, llm.ErrFatalAPI) {
			return nil, err
		}
		return nil, jobs.Transient(err)
	}

	return map[string]any{
		"output": output,
		"model":  r.model.Model(),
	}, nil
}

func (r *LLMCallRunner) ValidatePayload(payload []byte) error {
	_, err := r.decode(payload)
	return err
}

func (r *LLMCallRunner) decode(payload []byte) (llmCallPayload, error) {
	var p llmCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Prompt == "" {
		return p, fmt.Errorf("prompt is required")
	}
	return p, nil
}
