package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an ownership mismatch between caller and resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotReady marks a build that cannot take the requested action in its current status.
	ErrNotReady = errors.New("build not ready")
	// ErrQuotaExceeded is returned when the caller used up today's build allowance.
	ErrQuotaExceeded = errors.New("daily build quota exceeded")
	ErrUnauthorized  = errors.New("unauthorized")
)
