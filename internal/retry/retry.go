// Package retry runs a fallible operation under an explicit retry policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how long an operation is retried. Waits grow
// exponentially from Initial by Multiplier, capped at Max, with random jitter.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each wait, between 0 and 1.
	Jitter float64
	// OnRetry is called before each wait with the failed attempt's error.
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy makes up to five attempts waiting 1s, 2s, 4s, 8s (each jittered, at most 10s).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     time.Second,
		Max:         10 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done. It returns the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		return op(ctx)
	}, p.backOff(ctx), p.OnRetry)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMaxInterval(p.Max),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
