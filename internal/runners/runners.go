// Package runners contains the task runners shipped with taskd: the
// platform runners (document transforms, LLM calls, model evaluation)
// and the echo/sleep built-ins used for smoke tests and deployment
// verification.
package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
)

const (
	// TypeEcho returns its payload unchanged.
	TypeEcho jobs.Type = "echo"
	// TypeSleep sleeps for a configured duration, reporting progress.
	TypeSleep jobs.Type = "sleep"
)

// RegisterBuiltin adds the built-in runners to a registry.
func RegisterBuiltin(reg *jobs.Registry) {
	reg.MustRegister(TypeEcho, &EchoRunner{})
	reg.MustRegister(TypeSleep, &SleepRunner{})
}

// EchoRunner echoes its JSON payload back as the job result.
type EchoRunner struct{}

func (r *EchoRunner) Run(ctx context.Context, tc *jobs.TaskContext) (any, error) {
	if len(tc.Payload) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(tc.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (r *EchoRunner) ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// sleepPayload configures the sleep runner.
type sleepPayload struct {
	Duration string `json:"duration"`
	Fail     bool   `json:"fail,omitempty"`
}

// SleepRunner sleeps for the configured duration in one-second slices,
// reporting progress and honoring cancellation between slices.
type SleepRunner struct{}

func (r *SleepRunner) Run(ctx context.Context, tc *jobs.TaskContext) (any, error) {
	p, err := r.decode(tc.Payload)
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("parse duration: %w", err)
	}

	const slice = time.Second
	total := int(d / slice)
	if total < 1 {
		total = 1
	}

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d / time.Duration(total)):
		}
		if tc.Progress != nil {
			tc.Progress(i+1, total)
		}
	}

	if p.Fail {
		return nil, jobs.Transient(fmt.Errorf("sleep runner configured to fail"))
	}
	return map[string]any{"slept": d.String()}, nil
}

func (r *SleepRunner) ValidatePayload(payload []byte) error {
	p, err := r.decode(payload)
	if err != nil {
		return err
	}
	if _, err := time.ParseDuration(p.Duration); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	return nil
}

func (r *SleepRunner) decode(payload []byte) (sleepPayload, error) {
	var p sleepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Duration == "" {
		return p, fmt.Errorf("duration is required")
	}
	return p, nil
}
