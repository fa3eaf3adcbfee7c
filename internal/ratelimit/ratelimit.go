// Package ratelimit bounds authentication and key-operation frequency per
// identity by counting attempts over a trailing window in the store.
//
// All checks fail closed: if the store cannot be consulted, the request is
// refused rather than waved through.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/copyflow/custody/internal/metrics"
)

// DefaultRetention is how long attempt rows are kept. Attempts older than
// the retention window can no longer influence any limit and are purged
// opportunistically on write.
const DefaultRetention = 24 * time.Hour

// AttemptStore persists authentication attempts.
type AttemptStore interface {
	CountSince(ctx context.Context, identifier string, since time.Time) (int, error)
	Insert(ctx context.Context, identifier string, success bool, at time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Limiter counts attempts per identifier over trailing windows.
type Limiter struct {
	attempts  AttemptStore
	retention time.Duration
	now       func() time.Time
}

// NewLimiter creates a limiter with the default retention window.
func NewLimiter(attempts AttemptStore) *Limiter {
	return &Limiter{
		attempts:  attempts,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// CheckLimit reports whether another attempt is allowed for identifier given
// maxAttempts per window. Pure read, no side effect. The window is a typed
// duration resolved to a timestamp bound here; it never reaches the query as
// text.
//
// Two concurrent callers may both observe count = max-1 and both proceed.
// That race is accepted: the limiter is a throttle, not a safety interlock.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (bool, error) {
	since := l.now().Add(-window)

	count, err := l.attempts.CountSince(ctx, identifier, since)
	if err != nil {
		// Fail closed: an unreachable store refuses the attempt.
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	if count >= maxAttempts {
		metrics.RateLimitRejections.Inc()
		return false, nil
	}
	return true, nil
}

// RecordAttempt appends one attempt row, then opportunistically purges rows
// past the retention window. Purge failures are ignored; the next write
// retries the cleanup.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string, success bool) error {
	now := l.now()

	if err := l.attempts.Insert(ctx, identifier, success, now); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	_, _ = l.attempts.DeleteOlderThan(ctx, now.Add(-l.retention))

	return nil
}
