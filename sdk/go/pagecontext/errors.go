// Package pagecontext provides a Go client for the pagecontext answer API.
package pagecontext

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes returned by the server in the error envelope.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeServiceDisabled    = "SERVICE_DISABLED"
	CodeNotConfigured      = "NOT_CONFIGURED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
)

// Error represents an error from the pagecontext API with the HTTP status
// code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string

	// RetryAfter is the server's Retry-After hint on 429 responses.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("pagecontext: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusTooManyRequests
}

// IsUnavailable returns true when the server reports a backing service that is
// switched off, unconfigured or unreachable. Retrying later may succeed.
func IsUnavailable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeServiceDisabled, CodeNotConfigured, CodeBackendUnavailable, CodeTimeout:
		return true
	}
	return false
}
