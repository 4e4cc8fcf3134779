// Package storage implements the snapshot storage contract against a
// remote object store. The read path is the only supported surface:
// every mutating operation is rejected, mutation belongs to the
// producer pipeline.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by every mutating operation on the
	// read-only store. It is never retryable.
	ErrNotSupported = errors.New("operation not supported: snapshot store is read-only")
)

// Error is the uniform error type surfaced by the storage layer and the
// collector. It carries the provider name, the operation that failed,
// whether a retry may help, and the original cause.
type Error struct {
	Provider  string
	Op        string
	Retryable bool
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	retry := "permanent"
	if e.Retryable {
		retry = "retryable"
	}

	return fmt.Sprintf("%s: %s failed (%s): %v", e.Provider, e.Op, retry, e.Err)
}

// Unwrap returns the original cause
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps cause into the uniform storage error
func NewError(provider, op string, retryable bool, cause error) *Error {
	return &Error{Provider: provider, Op: op, Retryable: retryable, Err: cause}
}

// IsRetryable reports whether err carries a retry hint. Unwrapped errors
// are conservatively treated as non-retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}

	return false
}
