// Package retry runs a remote evaluation a bounded number of times, each
// attempt under its own timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last failure once every attempt has failed.
var ErrExhausted = errors.New("all attempts failed")

// TerminalMessage is reported when the last attempt fails.
const TerminalMessage = "Consider a lower resolution."

// Policy bounds the retries.
type Policy struct {
	Attempts int
	Timeout  time.Duration
	Pause    time.Duration
}

// DefaultPolicy is three attempts of ten seconds, one second apart.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Timeout:  10 * time.Second,
		Pause:    time.Second,
	}
}

// Notifier receives user-facing progress text.
type Notifier func(message string)

// Do runs fn until it succeeds or the attempts run out. A cancelled parent
// context stops immediately without a terminal message.
func Do(ctx context.Context, p Policy, notify Notifier, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, notify Notifier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if notify == nil {
		notify = func(string) {}
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == p.Attempts {
			break
		}

		notify(fmt.Sprintf("Attempt %d failed. Retrying...", attempt))
		if p.Pause > 0 {
			timer := time.NewTimer(p.Pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	notify(TerminalMessage)
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(attemptCtx)
	if err == nil && attemptCtx.Err() != nil {
		err = fmt.Errorf("timed out after %s", timeout)
	}
	return v, err
}
