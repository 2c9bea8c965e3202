package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	t.Run("default policy waits one second forever", func(t *testing.T) {
		policy := DefaultReconnectPolicy()

		for _, attempt := range []int{0, 1, 100, 10_000} {
			shouldRetry, delay := policy.ShouldRetry(attempt, errors.New("connection refused"))
			assert.True(t, shouldRetry)
			assert.Equal(t, time.Second, delay)
		}
		assert.Equal(t, 0, policy.MaxRetries())
	})

	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(10*time.Millisecond, 2)

		shouldRetry, _ := fd.ShouldRetry(1, errors.New("test"))
		assert.True(t, shouldRetry)

		shouldRetry, delay := fd.ShouldRetry(2, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Zero(t, delay)
	})

	t.Run("non-retryable errors stop", func(t *testing.T) {
		fd := NewFixedDelay(10*time.Millisecond, 0)

		shouldRetry, _ := fd.ShouldRetry(0, RetryableError{Err: errors.New("auth"), Retryable: false})
		assert.False(t, shouldRetry)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, _ := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
	})
}

func TestWait(t *testing.T) {
	t.Run("returns after the delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Wait(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		err := Wait(ctx, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRetry(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps the last error once attempts run out", func(t *testing.T) {
		persistent := errors.New("persistent error")
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return persistent
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, persistent)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns non-retryable errors unchanged", func(t *testing.T) {
		fatal := RetryableError{Err: errors.New("fatal"), Retryable: false}
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 0), func() error {
			return fatal
		})

		assert.Equal(t, fatal, err)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(time.Second, 0), func() error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(ErrNonRetryable))
	assert.True(t, IsRetryableError(errors.New("unknown")))
	assert.True(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: false}))
}
