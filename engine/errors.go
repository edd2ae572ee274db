package engine

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every error that rejects a request before
// anything is persisted.
var ErrValidation = errors.New("validation failed")

var (
	// ErrUnknownCategory is returned for a source category outside the known set.
	ErrUnknownCategory = fmt.Errorf("%w: unknown source category", ErrValidation)

	// ErrMissingTargetField is returned when the target configuration lacks
	// a field its provider requires.
	ErrMissingTargetField = fmt.Errorf("%w: missing target configuration field", ErrValidation)

	// ErrUnsupportedProvider is returned for unknown providers and for
	// providers without a transfer backend.
	ErrUnsupportedProvider = fmt.Errorf("%w: unsupported target provider", ErrValidation)

	// ErrNotConfigured is returned when the source category has no storage
	// configuration.
	ErrNotConfigured = fmt.Errorf("%w: source category not configured", ErrValidation)

	// ErrNotResumable is returned by Resume for jobs outside {paused, failed}
	// or with can_resume unset.
	ErrNotResumable = fmt.Errorf("%w: migration cannot be resumed", ErrValidation)

	// ErrAlreadyRunning is returned when a runner is already active for a job.
	ErrAlreadyRunning = fmt.Errorf("%w: migration already running", ErrValidation)

	// ErrInvalidRequest covers the remaining malformed request fields.
	ErrInvalidRequest = fmt.Errorf("%w: invalid request", ErrValidation)
)
