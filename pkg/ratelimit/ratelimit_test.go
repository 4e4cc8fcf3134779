package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacing(t *testing.T) {
	l := NewLimiter(Config{
		MaxRequests: 100,
		Window:      time.Second,
		MinDelay:    20 * time.Millisecond,
	})

	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	// Three sends need at least two MinDelay gaps
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLimiterWindowViolation(t *testing.T) {
	l := NewLimiter(Config{
		MaxRequests: 2,
		Window:      80 * time.Millisecond,
		MinDelay:    time.Millisecond,
	})

	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	// The third request exceeds the window budget and must wait for the
	// oldest send to age out
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLimiterContextCancel(t *testing.T) {
	l := NewLimiter(Config{
		MaxRequests: 1,
		Window:      time.Minute,
		MinDelay:    time.Millisecond,
	})

	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrencyLimiter(t *testing.T) {
	t.Run("bounds concurrent holders", func(t *testing.T) {
		c := NewConcurrencyLimiter(ConcurrencyConfig{
			MaxConcurrent:  2,
			QueueLimit:     8,
			AcquireTimeout: time.Second,
		})

		ctx := context.Background()

		release1, err := c.Acquire(ctx)
		require.NoError(t, err)

		release2, err := c.Acquire(ctx)
		require.NoError(t, err)

		// Third acquire must block until a slot frees
		done := make(chan struct{})

		go func() {
			release3, err := c.Acquire(ctx)
			assert.NoError(t, err)
			release3()
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("third acquire should have blocked")
		case <-time.After(30 * time.Millisecond):
		}

		release1()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("third acquire never proceeded after release")
		}

		release2()
	})

	t.Run("acquire times out when no slot frees", func(t *testing.T) {
		c := NewConcurrencyLimiter(ConcurrencyConfig{
			MaxConcurrent:  1,
			QueueLimit:     8,
			AcquireTimeout: 30 * time.Millisecond,
		})

		release, err := c.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		_, err = c.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrAcquireTimeout)
	})

	t.Run("saturated queue rejects immediately", func(t *testing.T) {
		c := NewConcurrencyLimiter(ConcurrencyConfig{
			MaxConcurrent:  1,
			QueueLimit:     1,
			AcquireTimeout: time.Second,
		})

		release, err := c.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		// One waiter fills the queue
		go func() {
			if r, err := c.Acquire(context.Background()); err == nil {
				r()
			}
		}()

		// Give the waiter time to register
		require.Eventually(t, func() bool { return c.Waiting() == 1 }, time.Second, 5*time.Millisecond)

		_, err = c.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrQueueFull)
	})
}
