package model

import "errors"

// Error taxonomy shared by every layer. Concrete errors wrap one of these so
// callers can classify failures with errors.Is.
var (
	// ErrServiceDisabled means the feature was turned off by configuration.
	ErrServiceDisabled = errors.New("service disabled")

	// ErrServiceNotConfigured means required configuration is missing, or no
	// active provider/model matches a request.
	ErrServiceNotConfigured = errors.New("service not configured")

	// ErrBackendUnavailable is a transient network, store or provider failure.
	// Callers may retry.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrValidation marks malformed input such as an empty source key.
	ErrValidation = errors.New("validation error")
)
