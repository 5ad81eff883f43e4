package inference

import (
	"errors"
	"fmt"

	"github.com/sells-group/chartparse/internal/resilience"
)

// Class categorizes inference gateway failures for retry decisions.
type Class string

const (
	// ClassRateLimited is a 429 from the provider. Retryable with backoff.
	ClassRateLimited Class = "rate_limited"
	// ClassUnauthorized is an auth failure. Terminal.
	ClassUnauthorized Class = "unauthorized"
	// ClassContextTooLarge means the prompt exceeded the model's window. Terminal.
	ClassContextTooLarge Class = "context_too_large"
	// ClassProvider covers 5xx and transient provider faults. Retryable.
	ClassProvider Class = "provider"
)

// Error is a classified inference gateway failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class is safe to retry with
// identical inputs.
func (e *Error) Retryable() bool {
	return e.Class == ClassRateLimited || e.Class == ClassProvider
}

// IsRetryable reports whether err is a retryable gateway failure. Network
// errors that never reached classification fall back to the transport-level
// transient check.
func IsRetryable(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Retryable()
	}
	return resilience.IsTransient(err)
}

// classify maps an HTTP status code from the provider onto a failure class.
func classify(statusCode int, err error) *Error {
	switch {
	case statusCode == 429:
		return &Error{Class: ClassRateLimited, Err: err}
	case statusCode == 401 || statusCode == 403:
		return &Error{Class: ClassUnauthorized, Err: err}
	case statusCode == 400 || statusCode == 413:
		// The provider reports an over-long prompt as a 400 invalid_request.
		return &Error{Class: ClassContextTooLarge, Err: err}
	case statusCode >= 500:
		return &Error{Class: ClassProvider, Err: err}
	default:
		return &Error{Class: ClassProvider, Err: err}
	}
}
