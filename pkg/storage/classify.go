package storage

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Kind classifies a raw dependency error into exactly one bucket
type Kind int

const (
	// KindAbsent means the object does not exist. Not an error: callers
	// return a nil result and the circuit breaker never counts it.
	KindAbsent Kind = iota
	// KindRetryable means a transient infrastructure fault. Counted by
	// the circuit breaker.
	KindRetryable
	// KindPermanent means auth, permission, malformed-request or schema
	// failure. Retrying cannot help and the breaker must not count it.
	KindPermanent
)

// Message-pattern matching is a last-resort fallback only; structured
// signals (typed errors, numeric status codes) always win.
var permanentPatterns = []string{
	"permission denied",
	"access denied",
	"unauthorized",
	"unauthenticated",
	"invalid argument",
	"malformed",
	"schema validation",
	"bucket doesn't exist",
}

// Classify maps a raw dependency error into exactly one Kind. Unknown
// errors default to retryable: a transient infrastructure fault is the
// common case and permanently giving up on it would be worse.
func Classify(err error) Kind {
	// Structured signals first
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return KindAbsent
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return KindForStatus(apiErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindRetryable
	}

	// Message-pattern fallback
	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return KindPermanent
		}
	}

	return KindRetryable
}

// KindForStatus maps an HTTP status code to an error kind
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindAbsent
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return KindRetryable
	case code >= 500:
		return KindRetryable
	default:
		return KindPermanent
	}
}

// IsCountedFailure is the breaker failure classifier for object store
// calls: only transient infrastructure failures count. A missing object
// is not a dependency failure, and permanent errors cannot be fixed by
// opening the circuit.
func IsCountedFailure(err error) bool {
	if err == nil {
		return false
	}

	return Classify(err) == KindRetryable
}
