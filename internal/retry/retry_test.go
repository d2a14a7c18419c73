package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, Timeout: 50 * time.Millisecond}
}

func TestSucceedsAfterFailures(t *testing.T) {
	var messages []string
	calls := 0

	v, err := Value(context.Background(), fastPolicy(), func(m string) { messages = append(messages, m) },
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("boom")
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"Attempt 1 failed. Retrying...", "Attempt 2 failed. Retrying..."}, messages)
}

func TestExhaustion(t *testing.T) {
	var messages []string
	cause := errors.New("computation timed out")
	calls := 0

	err := Do(context.Background(), fastPolicy(), func(m string) { messages = append(messages, m) },
		func(ctx context.Context) error {
			calls++
			return cause
		})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
	require.Len(t, messages, 3)
	assert.Equal(t, TerminalMessage, messages[2])
}

func TestEachAttemptHasItsOwnTimeout(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Timeout: 10 * time.Millisecond}, nil,
		func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestCancelledParentStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var messages []string
	calls := 0

	err := Do(ctx, Policy{Attempts: 5, Pause: time.Hour}, func(m string) { messages = append(messages, m) },
		func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("fail")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, messages)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 10*time.Second, p.Timeout)
}
