package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped into the error returned by Do when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Sleeper waits for d or until ctx is done. Tests swap it for an instant one.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a Permanent error, or the policy's
// attempts run out. fn receives the zero-based attempt index.
func Do(ctx context.Context, policy BackoffPolicy, params BackoffParams, fn func(ctx context.Context, attempt int) error) error {
	return DoWithSleeper(ctx, policy, params, SleepContext, fn)
}

func DoWithSleeper(ctx context.Context, policy BackoffPolicy, params BackoffParams, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.AttemptIndex = i
			if err := sleep(ctx, ComputeBackoff(p, policy)); err != nil {
				return fmt.Errorf("retry: %s interrupted after %d attempts: %w", params.Scope, i, errors.Join(err, lastErr))
			}
		}

		err := fn(ctx, i)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, params.Scope, attempts, lastErr)
}
