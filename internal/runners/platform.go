package runners

import (
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/taskd-go/internal/config"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/llm"
)

// RegisterPlatform adds the platform runners to a registry. The
// document-transform runner is always available; llm-call and
// model-evaluation require their provider to be configured and stay
// unregistered otherwise, so tasks of those types fail with an unknown
// type error instead of hitting an unconfigured backend.
func RegisterPlatform(reg *jobs.Registry, cfg config.Config, logger *slog.Logger) error {
	reg.MustRegister(jobs.TypeDocumentTransform, &TransformRunner{})

	if cfg.LLMProvider != "" {
		model, err := llm.NewModel(cfg)
		if err != nil {
			return fmt.Errorf("create llm model: %w", err)
		}
		reg.MustRegister(jobs.TypeLLMCall, NewLLMCallRunner(model))
		logger.Info("llm-call runner registered", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
	}

	if cfg.EmbedProvider != "" {
		embedder, err := llm.NewEmbedder(cfg)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		reg.MustRegister(jobs.TypeModelEvaluation, NewEvaluationRunner(embedder))
		logger.Info("model-evaluation runner registered", "provider", cfg.EmbedProvider, "model", cfg.EmbedModel)
	}

	return nil
}
