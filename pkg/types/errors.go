package types

import "errors"

var (
	// ErrValidation indicates a malformed item or a wrong embedding dimension.
	// Operations failing with it perform no partial writes.
	ErrValidation = errors.New("validation error")

	// ErrBackendUnavailable indicates a store or provider could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict indicates a concurrent write won a race for the same record.
	ErrConflict = errors.New("concurrent modification")

	// ErrTimeout indicates a backend did not answer within its deadline.
	ErrTimeout = errors.New("backend timeout")
)
