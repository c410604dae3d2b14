package directory

import "errors"

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrConflict     = errors.New("directory: state conflict")
	ErrInvalidInput = errors.New("directory: invalid input")
	// ErrUnavailable wraps transport or connectivity failures so callers can
	// suggest a retry instead of treating the failure as permanent.
	ErrUnavailable = errors.New("directory: store unavailable")
)
