// Package breaker implements a per-dependency circuit breaker with the
// classic closed/open/half-open state machine. The caller supplies the
// failure classifier: only transient infrastructure failures may count
// toward opening the circuit. Not-found results and permanent errors
// (bad permissions, malformed requests) must never count, because
// opening the circuit cannot fix them.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/observability"
)

// ErrOpen is returned when the circuit is open and no call was attempted.
// It is always retryable: the dependency may recover.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker state
type State string

const (
	// StateClosed allows calls through and counts failures
	StateClosed State = "closed"
	// StateOpen fails fast without attempting the call
	StateOpen State = "open"
	// StateHalfOpen allows a single trial call after the recovery timeout
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failureThreshold" default:"5"`
	Window           time.Duration `yaml:"window" default:"60s"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout" default:"30s"`

	// IsFailure reports whether an error counts toward opening the
	// circuit. A nil classifier counts every non-nil error.
	IsFailure func(error) bool `yaml:"-"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}

	if c.Window <= 0 {
		return errors.New("monitoring window must be positive")
	}

	if c.RecoveryTimeout <= 0 {
		return errors.New("recovery timeout must be positive")
	}

	return nil
}

// Breaker guards calls to a single unreliable remote dependency. It is an
// explicit instance owned by its caller, never a package-level singleton,
// so tests inject a fresh breaker per test.
type Breaker struct {
	log logrus.FieldLogger
	cfg Config

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	trialInFlight bool
}

// New creates a breaker with the given configuration
func New(log logrus.FieldLogger, cfg Config) *Breaker {
	return &Breaker{
		log:   log.WithField("breaker", cfg.Name),
		cfg:   cfg,
		state: StateClosed,
	}
}

// Execute runs fn through the breaker. When the circuit is open it fails
// fast with ErrOpen and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !b.allow() {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	}

	err := fn(ctx)
	b.record(err)

	return err
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	return b.state
}

// allow reports whether a call may proceed, transitioning open -> half-open
// once the recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}

		b.trialInFlight = true

		return true
	default:
		return false
	}
}

// record updates breaker state from a call result
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := err != nil
	if counted && b.cfg.IsFailure != nil {
		counted = b.cfg.IsFailure(err)
	}

	if b.state == StateHalfOpen {
		b.trialInFlight = false

		if counted {
			// Trial failed, reopen the circuit
			b.openedAt = time.Now()
			b.state = StateOpen
			observability.RecordBreakerState(b.cfg.Name, 2)
			b.log.WithError(err).Warn("Trial call failed, reopening circuit")

			return
		}

		// The dependency answered, even if the answer was not-found or a
		// permanent application error. Close the circuit.
		b.state = StateClosed
		b.failures = nil
		observability.RecordBreakerState(b.cfg.Name, 0)
		b.log.Info("Trial call succeeded, closing circuit")

		return
	}

	if !counted {
		return
	}

	now := time.Now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = nil
		observability.RecordBreakerState(b.cfg.Name, 2)
		b.log.WithFields(logrus.Fields{
			"threshold": b.cfg.FailureThreshold,
			"window":    b.cfg.Window,
		}).Warn("Failure threshold reached, opening circuit")
	}
}

// refreshLocked moves an expired open circuit into half-open
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.trialInFlight = false
		observability.RecordBreakerState(b.cfg.Name, 1)
		b.log.Info("Recovery timeout elapsed, circuit half-open")
	}
}

// pruneLocked drops failures older than the monitoring window
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)

	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	b.failures = kept
}
