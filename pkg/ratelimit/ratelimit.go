// Package ratelimit provides the backpressure primitives used by the
// backfill engine: a sliding-window rate limiter with backoff on
// violation, and a bounded concurrency limiter with a queue cap.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethpandaops/snapvault/pkg/observability"
)

// Config holds rate limiter configuration
type Config struct {
	// MaxRequests per Window before violation backoff kicks in
	MaxRequests int           `yaml:"maxRequests" default:"30"`
	Window      time.Duration `yaml:"window" default:"10s"`

	// MinDelay is the minimum spacing between consecutive requests
	MinDelay time.Duration `yaml:"minDelay" default:"100ms"`

	// BackoffFactor grows the violation penalty exponentially
	BackoffFactor float64       `yaml:"backoffFactor" default:"2"`
	MaxBackoff    time.Duration `yaml:"maxBackoff" default:"30s"`
}

// Limiter is a sliding-window request limiter. Callers wait for their
// turn rather than being rejected; repeated window violations grow an
// exponential penalty that decays on compliant traffic.
type Limiter struct {
	cfg   Config
	pacer *rate.Limiter

	mu      sync.Mutex
	sent    []time.Time
	penalty time.Duration
}

// NewLimiter creates a rate limiter
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 30
	}

	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}

	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 100 * time.Millisecond
	}

	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	return &Limiter{
		cfg:   cfg,
		pacer: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
	}
}

// Wait blocks until the caller may proceed or ctx is cancelled
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	// Minimum inter-request spacing
	if err := l.pacer.Wait(ctx); err != nil {
		return err
	}

	for {
		delay := l.reserve()
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve either records a send and returns 0, or returns how long the
// caller must wait before trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.cfg.Window)

	kept := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	l.sent = kept

	if len(l.sent) >= l.cfg.MaxRequests {
		// Violation: wait until the oldest request leaves the window,
		// plus the accumulated penalty
		delay := l.sent[0].Sub(cutoff) + l.penalty

		if l.penalty == 0 {
			l.penalty = l.cfg.MinDelay
		} else {
			l.penalty = time.Duration(float64(l.penalty) * l.cfg.BackoffFactor)
		}

		if l.penalty > l.cfg.MaxBackoff {
			l.penalty = l.cfg.MaxBackoff
		}

		return delay
	}

	l.penalty = 0
	l.sent = append(l.sent, now)

	return 0
}
