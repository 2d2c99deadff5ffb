package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient  = errors.New("transient")
	errDefinitive = errors.New("definitive")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(5))
	assert.Equal(t, 5*time.Second, p.Delay(12))
}

func TestPolicy_Do(t *testing.T) {
	t.Run("retries transient errors until success", func(t *testing.T) {
		var delays []time.Duration
		p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second, Retryable: isTransient}.
			WithSleep(recordingSleep(&delays))

		calls := 0
		err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	})

	t.Run("stops on definitive error", func(t *testing.T) {
		var delays []time.Duration
		p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Retryable: isTransient}.WithSleep(recordingSleep(&delays))

		calls := 0
		err := p.Do(context.Background(), func(context.Context, int) error {
			calls++
			return errDefinitive
		})
		assert.ErrorIs(t, err, errDefinitive)
		assert.Equal(t, 1, calls)
		assert.Empty(t, delays)
	})

	t.Run("surfaces last error when attempts run out", func(t *testing.T) {
		var delays []time.Duration
		p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: isTransient}.WithSleep(recordingSleep(&delays))

		calls := 0
		err := p.Do(context.Background(), func(context.Context, int) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
		assert.Len(t, delays, 2)
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Retryable: isTransient}

		calls := 0
		err := p.Do(ctx, func(context.Context, int) error {
			calls++
			cancel()
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	})

	t.Run("on retry hook sees each backoff", func(t *testing.T) {
		var seen []int
		p := Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Retryable:   isTransient,
			OnRetry:     func(attempt int, _ time.Duration, _ error) { seen = append(seen, attempt) },
		}.WithSleep(func(context.Context, time.Duration) error { return nil })

		_ = p.Do(context.Background(), func(context.Context, int) error { return errTransient })
		assert.Equal(t, []int{2, 3}, seen)
	})
}
