package runners

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/parser"
)

// transformPayload is the input for a document-transform job.
type transformPayload struct {
	// Content is the raw Markdown document, frontmatter included.
	Content string `json:"content"`

	// TargetSize overrides the default chunk size when positive.
	TargetSize int `json:"target_size,omitempty"`
	// MaxSize overrides the maximum chunk size when positive.
	MaxSize int `json:"max_size,omitempty"`
	// Overlap overrides the chunk overlap when positive.
	Overlap int `json:"overlap,omitempty"`
}

// transformChunk is one chunk in the transform result.
type transformChunk struct {
	Position    int    `json:"position"`
	HeadingPath string `json:"heading_path,omitempty"`
	Content     string `json:"content"`
}

// TransformRunner parses a Markdown document and splits it into
// semantic chunks for downstream ingestion.
type TransformRunner struct{}

func (r *TransformRunner) Run(ctx context.Context, tc *jobs.TaskContext) (any, error) {
	p, err := r.decode(tc.Payload)
	if err != nil {
		return nil, err
	}

	doc, err := parser.ParseMarkdown(p.Content)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	cfg := parser.DefaultChunkConfig()
	if p.TargetSize > 0 {
		cfg.TargetSize = p.TargetSize
	}
	if p.MaxSize > 0 {
		cfg.MaxSize = p.MaxSize
	}
	if p.Overlap > 0 {
		cfg.Overlap = p.Overlap
	}

	results := parser.ChunkMarkdown(doc, cfg)
	if tc.Progress != nil {
		tc.Progress(len(results), len(results))
	}

	chunks := make([]transformChunk, 0, len(results))
	for _, c := range results {
		chunks = append(chunks, transformChunk{
			Position:    c.Position,
			HeadingPath: c.HeadingPath,
			Content:     c.Content,
		})
	}

	result := map[string]any{
		"title":       doc.Title,
		"sections":    len(doc.Sections),
		"chunk_count": len(chunks),
		"chunks":      chunks,
	}
	if tags := doc.GetFrontmatterStringSlice("tags"); len(tags) > 0 {
		result["tags"] = tags
	}
	return result, nil
}

func (r *TransformRunner) ValidatePayload(payload []byte) error {
	_, err := r.decode(payload)
	return err
}

func (r *TransformRunner) decode(payload []byte) (transformPayload, error) {
	var p transformPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Content == "" {
		return p, fmt.Errorf("content is required")
	}
	return p, nil
}
