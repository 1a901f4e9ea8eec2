package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint was violated.
	ErrConflict = errors.New("conflict")
)
