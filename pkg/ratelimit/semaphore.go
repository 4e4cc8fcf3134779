package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when too many callers are already waiting
	// for a slot. Exceeding the queue limit is a caller-visible error,
	// never silent unbounded blocking.
	ErrQueueFull = errors.New("concurrency limiter queue is full")
	// ErrAcquireTimeout is returned when a slot did not free up within
	// the acquire timeout
	ErrAcquireTimeout = errors.New("timed out waiting for a concurrency slot")
)

// ConcurrencyConfig holds concurrency limiter configuration
type ConcurrencyConfig struct {
	MaxConcurrent  int64         `yaml:"maxConcurrent" default:"4"`
	QueueLimit     int64         `yaml:"queueLimit" default:"32"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout" default:"30s"`
}

// ConcurrencyLimiter is a bounded semaphore with a queue cap and an
// acquire timeout
type ConcurrencyLimiter struct {
	cfg     ConcurrencyConfig
	sem     *semaphore.Weighted
	waiting atomic.Int64
}

// NewConcurrencyLimiter creates a concurrency limiter
func NewConcurrencyLimiter(cfg ConcurrencyConfig) *ConcurrencyLimiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 32
	}

	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	return &ConcurrencyLimiter{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Acquire obtains a slot, returning a release function. It fails with
// ErrQueueFull when the waiting queue is saturated and ErrAcquireTimeout
// when no slot frees up in time.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context) (func(), error) {
	if c.waiting.Add(1) > c.cfg.MaxConcurrent+c.cfg.QueueLimit {
		c.waiting.Add(-1)

		return nil, ErrQueueFull
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()

	err := c.sem.Acquire(acquireCtx, 1)
	c.waiting.Add(-1)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, ErrAcquireTimeout
	}

	var released atomic.Bool

	return func() {
		if released.CompareAndSwap(false, true) {
			c.sem.Release(1)
		}
	}, nil
}

// Waiting returns the number of callers holding or waiting for a slot
func (c *ConcurrencyLimiter) Waiting() int64 {
	return c.waiting.Load()
}
