// Package service provides the upload orchestration services for Alexander Drives.
package service

import "errors"

// Common service errors.
var (
	// Input errors
	ErrMissingRequiredParams = errors.New("missing required parameters")
	ErrInvalidUploadID       = errors.New("invalid upload id")

	// General errors
	ErrInternalError = errors.New("internal server error")
)
