// Package retry runs network-bound calls with a per-call timeout and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polyedge/internal/models"
)

// Policy configures retries. Zero values fall back to 3 attempts, 500ms base
// delay, 5s max delay and no per-call timeout.
type Policy struct {
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Value calls fn until it succeeds, returns a permanent error, the context is
// done, or attempts are exhausted. Exhaustion is reported as models.ErrProvider.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := call(ctx, p.CallTimeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == p.Attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}

	return zero, fmt.Errorf("%w: failed after %d attempts: %w", models.ErrProvider, p.Attempts, lastErr)
}

// Do is Value for calls without a result.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
