// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // wait after the first failure
	Multiplier  float64       // growth factor applied to each later wait

	// Retryable reports whether a failure is worth another attempt.
	// Nil treats every error as retryable.
	Retryable func(error) bool

	// OnRetry, if set, is called after each failed attempt that will be
	// retried, with the wait before the next one.
	OnRetry func(err error, wait time.Duration)

	// timer is replaced in tests.
	timer backoff.Timer
}

// StorageWrites is the policy for record and vector writes.
var StorageWrites = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}

// Delay returns the wait before attempt n+1, given that attempt n (1-based) failed.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	mult := p.multiplier()
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
	}
	return d
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 1
	}
	return p.Multiplier
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backOff builds the schedule for one call of Do. Waits are deterministic
// and never capped, so they match Delay.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMultiplier(p.multiplier()),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(time.Duration(math.MaxInt64)),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.attempts()-1)), ctx)
}

// Do calls op until it succeeds, a non-retryable error is returned, the
// attempts are exhausted, or ctx is done. The last error is returned
// wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var (
		calls   int
		lastErr error
	)
	err := backoff.RetryNotifyWithTimer(func() error {
		calls++
		lastErr = op(ctx)
		if lastErr != nil && p.Retryable != nil && !p.Retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, p.backOff(ctx), p.OnRetry, p.timer)

	switch {
	case err == nil:
		return nil
	case lastErr == nil:
		return err
	case err != lastErr && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return fmt.Errorf("%w (retry interrupted: %w)", lastErr, err)
	case p.Retryable != nil && !p.Retryable(lastErr):
		return lastErr
	case calls == 1:
		return lastErr
	}
	return fmt.Errorf("after %d attempts: %w", calls, lastErr)
}
