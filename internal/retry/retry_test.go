package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rewired-gh/polyedge/internal/models"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestValueRetriesUntilSuccess(t *testing.T) {
	calls := 0
	retries := 0
	p := fastPolicy()
	p.OnRetry = func(int, error) { retries++ }

	v, err := Value(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != 42 || calls != 3 || retries != 2 {
		t.Errorf("v=%d calls=%d retries=%d, want 42/3/2", v, calls, retries)
	}
}

func TestValueExhaustionIsProviderError(t *testing.T) {
	calls := 0
	cause := errors.New("timeout")
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, models.ErrProvider) {
		t.Errorf("expected ErrProvider, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("not found")
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, cause) || errors.Is(err, models.ErrProvider) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	p := fastPolicy()
	p.Attempts = 1
	p.CallTimeout = 5 * time.Millisecond

	err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(), func(context.Context) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
