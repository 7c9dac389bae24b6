// Package retry wraps calls in a bounded exponential backoff. It is kept
// separate from the request cache: the cache never retries on its own.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/briangreenhill/jiradesk/cache"
)

// Policy controls how many times a call is attempted and how long to wait
// between attempts. The wait doubles after each failure, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 attempts starting at 500ms, capped at 5s
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsRetryable reports whether err is worth another attempt: network
// failures, 429 and 5xx responses. Client errors and context errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *cache.TransportError
	if !errors.As(err, &te) {
		return false
	}
	if te.Err != nil {
		return true
	}
	return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for functions that return a result
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	made := 0
	for made < attempts {
		v, err := fn(ctx)
		made++
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || made == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(made))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", made, errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}

	if made == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("after %d attempts: %w", made, lastErr)
}
