// Package retrier runs fallible operations with a retry budget, a per-attempt delay sequence
// and an optional abort condition. It knows nothing about HTTP, callers decide what is
// worth retrying through the Condition.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultRetries is the retry budget of the transfer streams.
const DefaultRetries = 2

// DelayFunc returns how long to wait before the retry with the given index (0 for the first retry).
type DelayFunc func(retry uint) time.Duration

// Condition decides from the last error whether another attempt is worth it.
// It may block, for example to refresh credentials.
type Condition func(ctx context.Context, err error) bool

// ExponentialDelay waits 2^i seconds plus a random jitter below one second,
// to play nicely with server side throttling.
func ExponentialDelay(retry uint) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return time.Duration(1<<retry)*time.Second + jitter
}

// NoDelay retries immediately.
func NoDelay(uint) time.Duration {
	return 0
}

// ConstantDelay waits d before every retry.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(uint) time.Duration {
		return d
	}
}

// Policy ...
type Policy struct {
	// Retries is the number of retries after the first attempt.
	Retries uint
	// Delay defaults to ExponentialDelay.
	Delay DelayFunc
	// Condition is optional, without it every error is retried.
	Condition Condition
	// Logger is optional.
	Logger log.Logger
}

// DefaultPolicy ...
func DefaultPolicy(logger log.Logger) Policy {
	return Policy{
		Retries: DefaultRetries,
		Delay:   ExponentialDelay,
		Logger:  logger,
	}
}

// Do runs op until it succeeds, the budget of 1 + Retries attempts is spent, or the
// condition vetoes a retry. On failure the error of the last attempt is returned as is.
// Cancelling ctx stops the retries and returns the context error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt uint) (T, error)) (T, error) {
	delay := p.Delay
	if delay == nil {
		delay = ExponentialDelay
	}

	var result T
	var lastErr error
	err := retry.Times(p.Retries).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			wait := delay(attempt - 1)
			if p.Logger != nil {
				p.Logger.Warnf("Attempt %d/%d failed: %s, retrying in %s", attempt, p.Retries+1, lastErr, wait.Round(time.Millisecond))
			}
			if err := sleep(ctx, wait); err != nil {
				return err, true
			}
		}
		if err := ctx.Err(); err != nil {
			return err, true
		}

		r, err := op(ctx, attempt)
		if err == nil {
			result = r
			return nil, true
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err(), true
		}
		if attempt < p.Retries && p.Condition != nil && !p.Condition(ctx, err) {
			if p.Logger != nil {
				p.Logger.Debugf("Not retrying after attempt %d: %s", attempt+1, err)
			}
			return err, true
		}
		return err, false
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context, attempt uint) error) error {
	_, err := Do(ctx, p, func(ctx context.Context, attempt uint) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
