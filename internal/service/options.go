package service

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
)

// Option customizes a service.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger logrus.FieldLogger
	retry  RetryPolicy
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.  Services log nothing without one.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetryPolicy bounds retries of transient failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

func buildOptions(opts []Option) options {
	o := options{retry: DefaultRetryPolicy}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewSystem()
	}
	o.logger = orDiscard(o.logger)
	return o
}

func orDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}

// RetryPolicyFrom builds a RetryPolicy from configured values, keeping the
// defaults for zero values.
func RetryPolicyFrom(maxAttempts int, baseBackoff time.Duration) RetryPolicy {
	p := DefaultRetryPolicy
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseBackoff > 0 {
		p.BaseBackoff = baseBackoff
	}
	return p
}
