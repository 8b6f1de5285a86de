// Package retry wraps github.com/cenkalti/backoff/v5 with the same
// configuration shape the teacher framework's hand-rolled resilience.Retry
// used (max attempts, initial/max delay, backoff factor), so call sites
// migrating from that API keep a familiar Config. Unlike the teacher's
// version, the exponential curve and jitter come from the library instead
// of a hand-computed math.Sin wobble.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config mirrors the teacher's RetryConfig fields exactly so existing call
// sites translate without renaming, but backs execution with backoff/v5.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultConfig mirrors resilience.DefaultRetryConfig's values.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c Config) toExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.BackoffFactor
	return b
}

// Do runs fn, retrying on a non-nil error with exponential backoff until it
// has been called cfg.MaxAttempts times in total, honoring ctx
// cancellation between attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(cfg.toExponentialBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	)
	return err
}

// DoValue runs fn, retrying on a non-nil error until it has been called
// cfg.MaxAttempts times in total, returning fn's last successful value.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		return fn()
	},
		backoff.WithBackOff(cfg.toExponentialBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	)
}

// Permanent marks err as non-retryable, stopping Do/DoValue immediately
// instead of exhausting the attempt budget. It is a thin re-export so
// callers don't need to import backoff/v5 directly just to mark an error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
