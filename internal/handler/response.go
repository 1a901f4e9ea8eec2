package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/service"
)

// APIError is the JSON error body.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorEnvelope wraps APIError the way every failed response is shaped.
type errorEnvelope struct {
	Success bool     `json:"success"`
	Error   APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err with the status it maps to. Provider messages are
// only shown when the driver marked them safe.
func writeError(w http.ResponseWriter, err error) {
	status, apiErr := mapError(err)
	writeJSON(w, status, errorEnvelope{Success: false, Error: apiErr})
}

// errorMapping pairs a sentinel with its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{service.ErrMissingRequiredParams, http.StatusBadRequest, "MISSING_PARAMETERS"},
	{service.ErrInvalidUploadID, http.StatusBadRequest, "INVALID_UPLOAD_ID"},
	{domain.ErrInvalidPartNumber, http.StatusBadRequest, "INVALID_PART_NUMBER"},
	{domain.ErrInvalidPartSize, http.StatusBadRequest, "INVALID_PART_SIZE"},
	{domain.ErrInvalidFileSize, http.StatusBadRequest, "INVALID_FILE_SIZE"},
	{domain.ErrInvalidPath, http.StatusBadRequest, "INVALID_PATH"},
	{domain.ErrMountNotFound, http.StatusNotFound, "MOUNT_NOT_FOUND"},
	{domain.ErrStorageConfigNotFound, http.StatusNotFound, "STORAGE_CONFIG_NOT_FOUND"},
	{domain.ErrUploadSessionNotFound, http.StatusNotFound, domain.ErrorCodeSessionNotFound},
	{domain.ErrUploadSessionExpired, http.StatusGone, domain.ErrorCodeSessionExpired},
	{domain.ErrUploadAlreadyCompleted, http.StatusConflict, "UPLOAD_ALREADY_COMPLETED"},
	{domain.ErrUploadIncomplete, http.StatusConflict, "UPLOAD_INCOMPLETE"},
	{domain.ErrInvalidStatusTransition, http.StatusConflict, "INVALID_STATUS_TRANSITION"},
	{domain.ErrChecksumMismatch, http.StatusUnprocessableEntity, domain.CodeChecksumMismatch},
	{domain.ErrItemNotFound, http.StatusNotFound, domain.CodeItemNotFound},
	{domain.ErrItemAlreadyExists, http.StatusConflict, domain.CodeItemExists},
	{domain.ErrNotADirectory, http.StatusBadRequest, "NOT_A_DIRECTORY"},
	{domain.ErrProxyTokenExpired, http.StatusForbidden, "PROXY_TOKEN_EXPIRED"},
	{domain.ErrInvalidProxyToken, http.StatusForbidden, "INVALID_PROXY_TOKEN"},
	{domain.ErrUnsupportedOperation, http.StatusNotImplemented, domain.CodeUnsupported},
}

func mapError(err error) (int, APIError) {
	var de *domain.DriverError
	if errors.As(err, &de) {
		status := de.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		msg := http.StatusText(status)
		if de.Expose && de.Message != "" {
			msg = de.Message
		}
		apiErr := APIError{Code: de.Code, Message: msg}
		if de.Expose {
			apiErr.Details = de.Details
		}
		return status, apiErr
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, APIError{Code: m.code, Message: err.Error()}
		}
	}

	return http.StatusInternalServerError, APIError{Code: "INTERNAL_ERROR", Message: "internal server error"}
}
