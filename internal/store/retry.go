package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// RetryPolicy bounds optimistic-concurrency retries
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultRetryPolicy retries conflicting writes 5 times with jittered
// exponential backoff starting at 25ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 25 * time.Millisecond,
}

// WithRetry runs fn, retrying on ConcurrentModificationError with jittered
// exponential backoff. Any other error, or exhaustion of attempts, is
// returned to the caller. fn must re-read the record on each attempt.
func WithRetry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := p.BaseBackoff << (attempt - 1)
			if backoff > 0 {
				// Full jitter keeps conflicting writers from re-colliding.
				delay := time.Duration(rand.Int63n(int64(backoff)) + int64(backoff)/2)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		err = fn(ctx)
		if err == nil || !models.IsConcurrentModification(err) {
			return err
		}
	}
	return err
}
