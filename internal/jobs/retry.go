package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the in-worker retry of a runner invocation. Only
// transient-classified errors are retried; everything else fails on first
// occurrence.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// DefaultRetryPolicy mirrors the platform defaults: 5s initial delay,
// flat multiplier, capped at 10s, 3 attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.0,
		MaxAttempts:     3,
	}
}

// TransientError marks a failure as retriable: storage timeouts, remote
// API throttling and the like. Runners wrap such errors with Transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient classifies an error as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether an error was classified as retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// runWithRetry invokes fn under the policy's bounded exponential backoff.
// Permanent errors and context cancellation stop retrying immediately;
// retry exhaustion returns the last error.
func runWithRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (any, error)) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result any
	operation := func() error {
		res, err := fn(ctx)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
