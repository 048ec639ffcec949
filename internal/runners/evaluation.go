package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/llm"
)

// EmbeddingProvider is the surface of llm.Embedder used by the
// model-evaluation runner.
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// defaultProbes are embedded when the payload supplies no samples.
var defaultProbes = []string{
	"The quick brown fox jumps over the lazy dog.",
	"Asynchronous job queues decouple request handling from execution.",
	"A short probe.",
}

// evaluationPayload is the input for a model-evaluation job.
type evaluationPayload struct {
	Samples []string `json:"samples,omitempty"`
}

// EvaluationRunner exercises the configured embedding model against a
// set of probe texts and reports dimension and latency. It verifies a
// provider deployment end to end without touching production data.
type EvaluationRunner struct {
	embedder EmbeddingProvider
}

// NewEvaluationRunner creates a model-evaluation runner backed by the
// given embedder.
func NewEvaluationRunner(embedder EmbeddingProvider) *EvaluationRunner {
	return &EvaluationRunner{embedder: embedder}
}

func (r *EvaluationRunner) Run(ctx context.Context, tc *jobs.TaskContext) (any, error) {
	p, err := r.decode(tc.Payload)
	if err != nil {
		return nil, err
	}

	samples := p.Samples
	if len(samples) == 0 {
		samples = defaultProbes
	}

	start := time.Now()
	vectors, err := r.embedder.EmbedBatch(ctx, samples)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, llm.ErrFatalAPI) {
			return nil, err
		}
		return nil, jobs.Transient(err)
	}
	if tc.Progress != nil {
		tc.Progress(len(samples), len(samples))
	}

	return map[string]any{
		"model":         r.embedder.Model(),
		"dimension":     r.embedder.Dimension(),
		"samples":       len(vectors),
		"elapsed_ms":    elapsed.Milliseconds(),
		"per_sample_ms": elapsed.Milliseconds() / int64(len(samples)),
	}, nil
}

func (r *EvaluationRunner) ValidatePayload(payload []byte) error {
	_, err := r.decode(payload)
	return err
}

func (r *EvaluationRunner) decode(payload []byte) (evaluationPayload, error) {
	var p evaluationPayload
	if len(payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	for i, s := range p.Samples {
		if s == "" {
			return p, fmt.Errorf("sample %d is empty", i)
		}
	}
	return p, nil
}
