package storage

import "errors"

// Storage errors for append-only stores.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownBackend is returned when a sink backend name is not recognized.
	ErrUnknownBackend = errors.New("unknown storage backend")
)
