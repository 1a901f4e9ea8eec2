package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors - these represent business rule violations and error kinds
// surfaced by storage drivers. Infrastructure errors are wrapped by callers.

var (
	// ===========================================
	// Driver Error Kinds
	// ===========================================

	// ErrConfiguration indicates a bad or missing storage config field.
	// Fatal and never retried.
	ErrConfiguration = errors.New("storage configuration error")

	// ErrAuthentication indicates token acquisition or refresh failed.
	ErrAuthentication = errors.New("provider authentication failed")

	// ErrUploadSessionNotFound indicates the upload session is gone, either in
	// the ledger or on the provider side. The client must restart.
	ErrUploadSessionNotFound = errors.New("upload session not found")

	// ErrUploadSessionExpired indicates the provider session handle expired.
	ErrUploadSessionExpired = errors.New("upload session expired")

	// ErrTransientProvider indicates a network or 5xx failure worth retrying.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrUnsupportedOperation indicates a capability the driver does not declare.
	ErrUnsupportedOperation = errors.New("operation not supported by storage backend")

	// ===========================================
	// Item Errors
	// ===========================================

	// ErrItemNotFound indicates the requested file or directory does not exist.
	ErrItemNotFound = errors.New("item not found")

	// ErrItemAlreadyExists indicates the target path is taken.
	ErrItemAlreadyExists = errors.New("item already exists")

	// ErrInvalidPath indicates a path that escapes its root or is malformed.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotADirectory indicates a directory operation on a file.
	ErrNotADirectory = errors.New("not a directory")

	// ===========================================
	// Catalog Errors
	// ===========================================

	// ErrMountNotFound indicates the mount id is unknown.
	ErrMountNotFound = errors.New("mount not found")

	// ErrStorageConfigNotFound indicates the storage config id is unknown.
	ErrStorageConfigNotFound = errors.New("storage config not found")

	// ===========================================
	// Upload Errors
	// ===========================================

	// ErrUploadIncomplete indicates completion was requested before all
	// bytes were received.
	ErrUploadIncomplete = errors.New("upload is incomplete")

	// ErrUploadAlreadyCompleted indicates the session already finished.
	ErrUploadAlreadyCompleted = errors.New("upload is already completed")

	// ErrInvalidStatusTransition indicates a ledger transition outside the
	// allowed edges.
	ErrInvalidStatusTransition = errors.New("invalid upload status transition")

	// ErrInvalidPartNumber indicates a part number outside 1..totalParts.
	ErrInvalidPartNumber = errors.New("part number out of range")

	// ErrInvalidPartSize indicates a non-positive or provider-incompatible part size.
	ErrInvalidPartSize = errors.New("invalid part size")

	// ErrInvalidFileSize indicates a negative or missing file size.
	ErrInvalidFileSize = errors.New("invalid file size")

	// ErrChecksumMismatch indicates the received content does not match the
	// declared checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ===========================================
	// Proxy Link Errors
	// ===========================================

	// ErrInvalidProxyToken indicates a malformed or forged proxy link token.
	ErrInvalidProxyToken = errors.New("invalid proxy token")

	// ErrProxyTokenExpired indicates the proxy link has expired.
	ErrProxyTokenExpired = errors.New("proxy token has expired")
)

// Machine-readable codes carried by DriverError.
const (
	CodeConfiguration        = "CONFIGURATION_ERROR"
	CodeUnknownStorageType   = "UNKNOWN_STORAGE_TYPE"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeSessionNotFound      = ErrorCodeSessionNotFound
	CodeSessionExpired       = ErrorCodeSessionExpired
	CodeProviderTransient    = "PROVIDER_TRANSIENT"
	CodeUnsupported          = "UNSUPPORTED_OPERATION"
	CodeItemNotFound         = "ITEM_NOT_FOUND"
	CodeItemExists           = "ITEM_ALREADY_EXISTS"
	CodeProviderError        = ErrorCodeProviderFailed
	CodeChecksumMismatch     = "CHECKSUM_MISMATCH"
)

// DriverError is the single error kind adapters return. Kind is one of the
// sentinel errors above and is reachable with errors.Is.
type DriverError struct {
	// Status is an HTTP-like status for the failure.
	Status int

	// Code is a machine-readable error code.
	Code string

	// Message describes the failure.
	Message string

	// Expose marks Message as safe to show to end users.
	Expose bool

	// Details carries structured context (provider status, request id, ...).
	Details map[string]any

	// Kind is the sentinel classifying the failure.
	Kind error

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the kind and the cause for errors.Is/errors.As.
func (e *DriverError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// WithDetail returns e with one more detail attached.
func (e *DriverError) WithDetail(key string, value any) *DriverError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewDriverError creates a DriverError of the given kind.
func NewDriverError(kind error, status int, code, message string, cause error) *DriverError {
	return &DriverError{
		Status:  status,
		Code:    code,
		Message: message,
		Kind:    kind,
		Err:     cause,
	}
}

// NewConfigurationError reports a bad storage config field.
func NewConfigurationError(message string) *DriverError {
	e := NewDriverError(ErrConfiguration, http.StatusBadRequest, CodeConfiguration, message, nil)
	e.Expose = true
	return e
}

// NewUnsupportedError reports an operation outside the driver's capabilities.
func NewUnsupportedError(storageType StorageType, capability Capability) *DriverError {
	e := NewDriverError(ErrUnsupportedOperation, http.StatusNotImplemented, CodeUnsupported,
		fmt.Sprintf("%s storage does not support %s", storageType, capability), nil)
	e.Expose = true
	return e.WithDetail("capability", string(capability))
}

// NewSessionNotFoundError reports a resumable handle the provider no longer knows.
func NewSessionNotFoundError(message string, cause error) *DriverError {
	return NewDriverError(ErrUploadSessionNotFound, http.StatusNotFound, CodeSessionNotFound, message, cause)
}

// NewSessionExpiredError reports an expired resumable handle.
func NewSessionExpiredError(message string, cause error) *DriverError {
	return NewDriverError(ErrUploadSessionExpired, http.StatusGone, CodeSessionExpired, message, cause)
}

// NewTransientError reports a retryable provider failure.
func NewTransientError(status int, message string, cause error) *DriverError {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return NewDriverError(ErrTransientProvider, status, CodeProviderTransient, message, cause)
}

// NewAuthenticationError reports a failed token acquisition.
func NewAuthenticationError(message string, cause error) *DriverError {
	return NewDriverError(ErrAuthentication, http.StatusUnauthorized, CodeAuthenticationFailed, message, cause)
}

// IsRetryable reports whether err may be retried against the same handle.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrUploadSessionNotFound),
		errors.Is(err, ErrUploadSessionExpired),
		errors.Is(err, ErrUnsupportedOperation),
		errors.Is(err, ErrConfiguration):
		return false
	}
	return errors.Is(err, ErrTransientProvider)
}

// IsSessionGone reports whether err says the provider session must be restarted.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrUploadSessionNotFound) || errors.Is(err, ErrUploadSessionExpired)
}

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., upload id, path).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}
