// Package retry runs gateway calls again after transient failures.
//
// Only errors explicitly marked with Retryable are tried again; anything
// else is treated as terminal and returned to the caller on the first
// attempt. The gateway client marks transport errors and 5xx responses,
// so 4xx responses always surface immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config controls how many attempts are made and how long to wait between
// them. Waits grow by Multiplier per attempt, are capped at MaxWait, and
// are spread by Jitter to keep concurrent callers from retrying in step.
type Config struct {
	MaxAttempts int // 0 means retry until the context is done
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0 to 1
}

// DefaultConfig returns the policy used for gateway calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// wait returns the backoff before the attempt after the given one.
func (c Config) wait(attempt int) time.Duration {
	d := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if ceil := float64(c.MaxWait); d > ceil {
		d = ceil
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// RetryableError marks an error as worth retrying.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps an error to mark it as retryable. Wrapping nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether the error carries the retryable marker.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}

// Do runs fn until it succeeds, returns a terminal error, or attempts run
// out.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult runs fn until it succeeds, returns a terminal error, or
// attempts run out, and returns fn's result. Waiting between attempts is
// cut short by context cancellation.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}
}
