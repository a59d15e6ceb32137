package capture

import (
	"context"
	"fmt"
	"time"
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

var DefaultBackoff = Backoff{
	Attempts:   5,
	Initial:    time.Second,
	Max:        16 * time.Second,
	Multiplier: 2,
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}

	return delay
}

// Retry calls fn until it succeeds, the attempts run out, or ctx is done.
func Retry[T any](ctx context.Context, b Backoff, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(b.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = err
	}

	return zero, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, lastErr)
}
