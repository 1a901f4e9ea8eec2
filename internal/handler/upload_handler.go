package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/service"
)

// Headers an upstream gateway sets for the authenticated caller.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserType = "X-User-Type"

	// HeaderChecksum carries an optional hex SHA-256 of an uploaded body.
	HeaderChecksum = "X-Checksum-Sha256"
)

// UploadAPI is the upload orchestration the handler serves.
type UploadAPI interface {
	InitializeFrontendMultipartUpload(ctx context.Context, input service.InitializeUploadInput) (*service.InitializeUploadOutput, error)
	SignMultipartParts(ctx context.Context, input service.SignPartsInput) (*service.SignPartsOutput, error)
	ListMultipartParts(ctx context.Context, input service.ListPartsInput) (*service.ListPartsOutput, error)
	CompleteFrontendMultipartUpload(ctx context.Context, input service.CompleteUploadInput) (*service.CompleteUploadOutput, error)
	AbortFrontendMultipartUpload(ctx context.Context, input service.AbortUploadInput) (*service.AbortUploadOutput, error)
	ListMultipartUploads(ctx context.Context, input service.ListUploadsInput) (*service.ListUploadsOutput, error)
	UploadFile(ctx context.Context, input service.UploadFileInput) (*service.UploadFileOutput, error)
}

// UploadHandler serves the resumable upload API.
type UploadHandler struct {
	uploads     UploadAPI
	maxBodySize int64
	logger      zerolog.Logger
}

// NewUploadHandler creates a new UploadHandler. maxBodySize bounds JSON
// request bodies; zero means 1 MiB.
func NewUploadHandler(uploads UploadAPI, maxBodySize int64, logger zerolog.Logger) *UploadHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &UploadHandler{
		uploads:     uploads,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("handler", "upload").Logger(),
	}
}

// RegisterRoutes registers upload routes under a mount-scoped router.
func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Get("/", h.handleListUploads)
		r.Post("/", h.handleInitialize)
		r.Post("/{uploadID}/sign", h.handleSign)
		r.Get("/{uploadID}/parts", h.handleListParts)
		r.Post("/{uploadID}/complete", h.handleComplete)
		r.Delete("/{uploadID}", h.handleAbort)
	})
	r.Put("/files/*", h.handlePutFile)
}

// =============================================================================
// Request Bodies
// =============================================================================

type initializeRequest struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	PartSize int64  `json:"partSize"`
	MimeType string `json:"mimeType"`
	Checksum string `json:"checksum"`
}

type signRequest struct {
	PartNumbers []int `json:"partNumbers"`

	// ExpiresIn is the URL lifetime in seconds.
	ExpiresIn int `json:"expiresIn"`
}

type completeRequest struct {
	FileName string                 `json:"fileName"`
	FileSize int64                  `json:"fileSize"`
	Parts    []driver.CompletedPart `json:"parts"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *UploadHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID, userType := caller(r)
	out, err := h.uploads.InitializeFrontendMultipartUpload(r.Context(), service.InitializeUploadInput{
		MountID:  chi.URLParam(r, "mountID"),
		SubPath:  req.Path,
		FileName: req.FileName,
		FileSize: req.FileSize,
		PartSize: req.PartSize,
		MimeType: req.MimeType,
		Checksum: req.Checksum,
		UserID:   userID,
		UserType: userType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *UploadHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	out, err := h.uploads.SignMultipartParts(r.Context(), service.SignPartsInput{
		MountID:     chi.URLParam(r, "mountID"),
		UploadID:    chi.URLParam(r, "uploadID"),
		PartNumbers: req.PartNumbers,
		Expiry:      time.Duration(req.ExpiresIn) * time.Second,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UploadHandler) handleListParts(w http.ResponseWriter, r *http.Request) {
	out, err := h.uploads.ListMultipartParts(r.Context(), service.ListPartsInput{
		MountID:  chi.URLParam(r, "mountID"),
		UploadID: chi.URLParam(r, "uploadID"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UploadHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	out, err := h.uploads.CompleteFrontendMultipartUpload(r.Context(), service.CompleteUploadInput{
		MountID:  chi.URLParam(r, "mountID"),
		UploadID: chi.URLParam(r, "uploadID"),
		FileName: req.FileName,
		FileSize: req.FileSize,
		Parts:    req.Parts,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UploadHandler) handleAbort(w http.ResponseWriter, r *http.Request) {
	out, err := h.uploads.AbortFrontendMultipartUpload(r.Context(), service.AbortUploadInput{
		MountID:  chi.URLParam(r, "mountID"),
		UploadID: chi.URLParam(r, "uploadID"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UploadHandler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, service.ErrMissingRequiredParams)
			return
		}
		limit = n
	}

	userID, userType := caller(r)
	out, err := h.uploads.ListMultipartUploads(r.Context(), service.ListUploadsInput{
		MountID:    chi.URLParam(r, "mountID"),
		PathPrefix: query.Get("prefix"),
		UserID:     userID,
		UserType:   userType,
		Limit:      limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutFile streams the request body to the mount. The wildcard is the
// file path relative to the mount root.
func (h *UploadHandler) handlePutFile(w http.ResponseWriter, r *http.Request) {
	p, err := driver.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	dir, name := driver.SplitPath(p)
	if name == "" || r.ContentLength < 0 {
		writeError(w, service.ErrMissingRequiredParams)
		return
	}

	var partSize int64
	if v := r.URL.Query().Get("partSize"); v != "" {
		partSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, service.ErrMissingRequiredParams)
			return
		}
	}

	userID, userType := caller(r)
	out, err := h.uploads.UploadFile(r.Context(), service.UploadFileInput{
		MountID:  chi.URLParam(r, "mountID"),
		SubPath:  dir,
		FileName: name,
		Size:     r.ContentLength,
		MimeType: r.Header.Get("Content-Type"),
		PartSize: partSize,
		Checksum: r.Header.Get(HeaderChecksum),
		Body:     r.Body,
		UserID:   userID,
		UserType: userType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *UploadHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: APIError{
			Code:    "INVALID_REQUEST_BODY",
			Message: err.Error(),
		}})
		return false
	}
	return true
}

func (h *UploadHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := mapError(err)
	event := h.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("upload request failed")
	writeError(w, err)
}

func caller(r *http.Request) (userID, userType string) {
	return r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserType)
}
