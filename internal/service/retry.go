package service

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// RetryPolicy bounds retries of transient failures (deadlocks, lock wait
// timeouts, gateway timeouts and lost version races).
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultRetryPolicy is used when a service is built without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseBackoff: 50 * time.Millisecond}

func isRetryable(err error) bool {
	return errors.Is(err, repository.ErrTransient) ||
		errors.Is(err, gateway.ErrTransient) ||
		errors.Is(err, errStaleBooking)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done.  The delay doubles after every failed attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.BaseBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !isRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
		}
	}
	return err
}
