package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Acquirer is the part of Manager that AcquireWithRetry needs.
type Acquirer interface {
	Acquire(ctx context.Context, path, ownerID string, timeout time.Duration) (*Lock, error)
}

// AcquireWithRetry polls Acquire at most once per interval until it succeeds,
// fails with something other than a conflict, or wait elapses. A zero wait
// makes a single attempt.
func AcquireWithRetry(ctx context.Context, a Acquirer, path, ownerID string, lease, interval, wait time.Duration) (*Lock, error) {
	if wait <= 0 {
		return a.Acquire(ctx, path, ownerID, lease)
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("gave up after %s: %w", wait, lastErr)
			}
			return nil, err
		}

		l, err := a.Acquire(ctx, path, ownerID, lease)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
}
