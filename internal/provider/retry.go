package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// Retrier wraps a Provider with bounded exponential backoff over
// transient failures. Non-retryable errors pass through immediately.
type Retrier struct {
	inner Provider
	// maxAttempts bounds the total number of Decide calls.
	maxAttempts int
	// baseDelay is the first backoff interval; it doubles per attempt.
	baseDelay time.Duration
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier wraps the provider. maxAttempts below 1 is treated as 1.
func NewRetrier(inner Provider, maxAttempts int, baseDelay time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       sleepCtx,
	}
}

// Decide calls the wrapped provider, backing off and retrying on
// ErrUnavailable and ErrMalformed. The last error is returned wrapped
// once the attempt budget is spent.
func (r *Retrier) Decide(ctx context.Context, req *Request) (*models.Decision, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		decision, err := r.inner.Decide(ctx, req)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrMalformed) {
			return nil, err
		}
		lastErr = err

		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("decide failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
