// Package resilience provides retry and circuit breaker patterns for provider
// and delivery calls, plus the outcome classification they share.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// TerminalError wraps an error that must never be retried: authentication
// failures, malformed requests, explicit permanent rejections.
type TerminalError struct {
	Err        error
	StatusCode int
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// NewTerminalError wraps an error as permanently failed.
func NewTerminalError(err error, statusCode int) *TerminalError {
	return &TerminalError{Err: err, StatusCode: statusCode}
}

// IsTerminal returns true if the error chain contains a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). A TerminalError anywhere in the
// chain wins over any transient signal.
func IsTransient(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// IsTerminalHTTPStatus returns true for status codes that indicate a permanent
// provider-level rejection.
func IsTerminalHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 400, 401, 403, 404, 410, 422:
		return true
	default:
		return false
	}
}

// Classification buckets a raw call outcome for escalation decisions.
type Classification int

const (
	// ClassSuccess means the call returned no error.
	ClassSuccess Classification = iota
	// ClassRetryable means the error is transient and worth retrying.
	ClassRetryable
	// ClassTerminal means the error is permanent for this provider.
	ClassTerminal
)

func (c Classification) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify maps an error to exactly one classification. Anything not
// recognizably transient is treated as terminal so unknown failures never
// loop the retry controller.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return ClassSuccess
	case IsTerminal(err):
		return ClassTerminal
	case IsTransient(err):
		return ClassRetryable
	default:
		return ClassTerminal
	}
}
