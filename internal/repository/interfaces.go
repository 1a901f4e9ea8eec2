// Package repository defines data access interfaces for the upload ledger.
// These interfaces abstract database operations, allowing for different
// implementations (SQLite, PostgreSQL, mocks in tests) while keeping the
// service layer clean.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// =============================================================================
// Upload Session Repository
// =============================================================================

// UploadSessionRepository persists upload sessions.
type UploadSessionRepository interface {
	// Create inserts a new session row.
	Create(ctx context.Context, session *domain.UploadSession) error

	// GetByID retrieves a session by id.
	// Returns domain.ErrUploadSessionNotFound when the row does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error)

	// UpdateByID applies a patch to one row and returns the stored row.
	// bytes_uploaded never decreases and a terminal status is never left.
	UpdateByID(ctx context.Context, id uuid.UUID, patch UploadSessionPatch) (*domain.UploadSession, error)

	// ListActive returns initiated or uploading sessions matching the filter,
	// most recently updated first.
	ListActive(ctx context.Context, filter ActiveFilter) ([]*domain.UploadSession, error)

	// ListExpired returns active sessions whose expires_at is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error)

	// DeleteFinishedBefore removes terminal sessions last updated before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// UploadSessionPatch lists the fields UpdateByID may change. Nil fields are
// left untouched.
type UploadSessionPatch struct {
	Status            *domain.UploadStatus
	BytesUploaded     *int64
	UploadedParts     *int
	NextExpectedRange *string
	ProviderUploadID  *string
	ProviderUploadURL *string
	ProviderMeta      map[string]string
	ErrorCode         *string
	ErrorMessage      *string
	ExpiresAt         *time.Time
	FingerprintAlgo   *string
	FingerprintValue  *string
}

// IsEmpty reports whether the patch changes nothing.
func (p UploadSessionPatch) IsEmpty() bool {
	return p.Status == nil && p.BytesUploaded == nil && p.UploadedParts == nil &&
		p.NextExpectedRange == nil && p.ProviderUploadID == nil && p.ProviderUploadURL == nil &&
		p.ProviderMeta == nil && p.ErrorCode == nil && p.ErrorMessage == nil &&
		p.ExpiresAt == nil && p.FingerprintAlgo == nil && p.FingerprintValue == nil
}

// ActiveFilter narrows ListActive. Empty fields match everything.
type ActiveFilter struct {
	UserID       string
	UserType     string
	StorageType  domain.StorageType
	MountID      string
	FSPathPrefix string
	Limit        int
}

// DefaultActiveLimit bounds ListActive when no limit is given.
const DefaultActiveLimit = 100

// =============================================================================
// Upload Part Repository
// =============================================================================

// UploadPartRepository persists per-part records for chunked strategies.
type UploadPartRepository interface {
	// Upsert inserts a part or, when (upload_id, part_no) exists, refreshes
	// its provider id, status and error fields. The byte range never changes
	// and a checksum is only filled in when the row has none.
	Upsert(ctx context.Context, part *domain.UploadPart) error

	// ListByUpload returns the parts of one upload ordered by part number.
	ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]*domain.UploadPart, error)

	// UpdateStatus changes the status and error fields of one part.
	UpdateStatus(ctx context.Context, uploadID uuid.UUID, partNo int, status domain.PartStatus, errorCode, errorMessage string) error

	// DeleteByUpload removes every part of an upload.
	DeleteByUpload(ctx context.Context, uploadID uuid.UUID) error
}

// =============================================================================
// Helper Functions
// =============================================================================

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
