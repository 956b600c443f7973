package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotLinked indicates a session id with no identity link
	ErrNotLinked = errors.New("session is not linked to an identity")

	// ErrAccessDenied indicates a missing or insufficient grant. Unknown
	// indexes surface this error too, never a not-found, so callers cannot
	// probe for index existence.
	ErrAccessDenied = errors.New("access denied")

	// ErrJobNotFound indicates an unknown job id
	ErrJobNotFound = errors.New("job not found")
)

// ProviderError carries an HTTP-like status from an embedding provider so
// the retry loop can distinguish transient failures and honor Retry-After.
type ProviderError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // zero when the response carried no Retry-After
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth retrying (429 or 5xx)
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
