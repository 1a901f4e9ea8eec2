package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// =============================================================================
// Input/Output Structs
// =============================================================================

// InitializeUploadInput contains the data needed to start a browser upload.
type InitializeUploadInput struct {
	MountID string

	// SubPath is the target directory relative to the mount root.
	SubPath string

	FileName string
	FileSize int64
	PartSize int64
	MimeType string
	Checksum string

	UserID   string
	UserType string
}

// InitializeUploadOutput contains the result of starting a browser upload.
type InitializeUploadOutput struct {
	UploadID  string                `json:"uploadId"`
	Strategy  domain.UploadStrategy `json:"strategy"`
	PartSize  int64                 `json:"partSize"`
	PartCount int                   `json:"partCount"`
	Session   SessionInfo           `json:"session"`
	Policy    Policy                `json:"policy"`
}

// SignPartsInput contains the data needed to sign part URLs.
type SignPartsInput struct {
	MountID  string
	UploadID string

	// PartNumbers are 1-based. Empty means every part not yet received.
	PartNumbers []int

	// Expiry bounds the part URLs; zero uses the mount's link expiry.
	Expiry time.Duration
}

// SignPartsOutput contains fresh connection details for a browser upload.
type SignPartsOutput struct {
	UploadID string                `json:"uploadId"`
	Strategy domain.UploadStrategy `json:"strategy"`
	Policy   Policy                `json:"policy"`
	Session  SessionInfo           `json:"session"`
}

// ListPartsInput contains the data needed to list received parts.
type ListPartsInput struct {
	MountID  string
	UploadID string
}

// PartSummary is one received part.
type PartSummary struct {
	PartNumber int    `json:"partNumber"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum,omitempty"`
	ETag       string `json:"etag,omitempty"`
}

// ListPartsOutput contains the parts the provider holds.
type ListPartsOutput struct {
	UploadID string        `json:"uploadId"`
	Parts    []PartSummary `json:"parts"`
	Policy   Policy        `json:"policy"`
}

// CompleteUploadInput contains the data needed to finish a browser upload.
type CompleteUploadInput struct {
	MountID  string
	UploadID string
	FileName string
	FileSize int64
	Parts    []driver.CompletedPart
}

// CompleteUploadOutput contains the stored file.
type CompleteUploadOutput struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// AbortUploadInput contains the data needed to cancel an upload.
type AbortUploadInput struct {
	MountID  string
	UploadID string
}

// AbortUploadOutput reports an abort. Warnings list cleanup steps that could
// not be performed; the provider then releases the session at its own expiry.
type AbortUploadOutput struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings,omitempty"`
}

// ListUploadsInput narrows the resumable upload listing.
type ListUploadsInput struct {
	MountID string

	// PathPrefix is relative to the mount root.
	PathPrefix string

	UserID   string
	UserType string
	Limit    int
}

// UploadSummary is one resumable upload.
type UploadSummary struct {
	UploadID      string                `json:"uploadId"`
	FileName      string                `json:"fileName"`
	FileSize      int64                 `json:"fileSize"`
	PartSize      int64                 `json:"partSize"`
	TotalParts    int                   `json:"totalParts"`
	Strategy      domain.UploadStrategy `json:"strategy"`
	BytesUploaded int64                 `json:"bytesUploaded"`
	UploadedParts int                   `json:"uploadedParts"`
	Status        domain.UploadStatus   `json:"status"`
	Path          string                `json:"path"`
	ExpiresAt     *time.Time            `json:"expiresAt,omitempty"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// ListUploadsOutput contains resumable uploads.
type ListUploadsOutput struct {
	Uploads []UploadSummary `json:"uploads"`
}

// =============================================================================
// Service Methods
// =============================================================================

// InitializeFrontendMultipartUpload opens a provider session for a browser
// upload and records it in the ledger. The returned upload id is the ledger
// row id; the provider handle stays on the server.
func (s *UploadService) InitializeFrontendMultipartUpload(ctx context.Context, input InitializeUploadInput) (*InitializeUploadOutput, error) {
	if input.FileName == "" {
		return nil, ErrMissingRequiredParams
	}
	if input.FileSize < 0 {
		return nil, domain.ErrInvalidFileSize
	}

	t, mp, err := s.resolveMultipart(ctx, input.MountID)
	if err != nil {
		return nil, err
	}

	partSize := mp.NormalizePartSize(s.requestedPartSize(input.PartSize), input.FileSize)
	if partSize <= 0 {
		return nil, domain.ErrInvalidPartSize
	}

	h, err := retry.DoWithResult(ctx, s.retry, func() (*driver.SessionHandle, error) {
		return mp.CreateUploadSession(ctx, input.SubPath, driver.CreateSessionRequest{
			FileName:    input.FileName,
			FileSize:    input.FileSize,
			PartSize:    partSize,
			ContentType: input.MimeType,
		})
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("mount_id", input.MountID).
			Str("sub_path", input.SubPath).
			Msg("failed to create provider upload session")
		return nil, err
	}
	if h.PartSize > 0 {
		partSize = h.PartSize
	}

	sess := domain.NewUploadSession(fsPath(t.mount, h.SubPath), input.FileName, input.FileSize, partSize, mp.FrontendStrategy())
	sess.UserID = input.UserID
	sess.UserType = input.UserType
	sess.StorageType = t.config.StorageType
	sess.StorageConfigID = t.config.ID
	sess.MountID = t.mount.ID
	sess.Source = domain.UploadSourceFrontend
	sess.MimeType = input.MimeType
	sess.Checksum = input.Checksum
	s.recordHandle(sess, h)

	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to create upload session")
		if abortErr := mp.AbortSession(ctx, h); abortErr != nil {
			s.logger.Warn().Err(abortErr).Msg("failed to release provider session")
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	s.metrics.RecordSessionStatus(string(sess.Strategy), string(sess.Status))
	if s.scheduler != nil && sess.ExpiresAt != nil {
		s.scheduler.ScheduleExpiry(sess.ID, *sess.ExpiresAt)
	}

	s.logger.Info().
		Str("upload_id", sess.ID.String()).
		Str("mount_id", sess.MountID).
		Str("storage_type", string(sess.StorageType)).
		Str("strategy", string(sess.Strategy)).
		Int64("file_size", sess.FileSize).
		Int("part_count", sess.TotalParts).
		Msg("frontend upload initialized")

	return &InitializeUploadOutput{
		UploadID:  sess.ID.String(),
		Strategy:  sess.Strategy,
		PartSize:  sess.PartSize,
		PartCount: sess.TotalParts,
		Session: SessionInfo{
			UploadURL: h.UploadURL,
			ExpiresAt: sess.ExpiresAt,
		},
		Policy: s.policy(),
	}, nil
}

// SignMultipartParts refreshes the provider state of an upload and returns
// connection details for the parts the client should send next. A session
// the provider lost fails the ledger row and the call.
func (s *UploadService) SignMultipartParts(ctx context.Context, input SignPartsInput) (*SignPartsOutput, error) {
	var out *SignPartsOutput

	err := s.withSessionLock(ctx, input.UploadID, func(ctx context.Context) error {
		sess, err := s.load(ctx, input.MountID, input.UploadID)
		if err != nil {
			return err
		}
		if err := requireActive(sess); err != nil {
			return err
		}
		for _, n := range input.PartNumbers {
			if err := domain.ValidatePartNumber(n, sess.TotalParts); err != nil {
				return domain.NewDomainError(err, fmt.Sprintf("part %d of %d", n, sess.TotalParts), input.UploadID)
			}
		}

		t, mp, err := s.resolveMultipart(ctx, sess.MountID)
		if err != nil {
			return err
		}

		sess, state, err := s.refresh(ctx, sess, mp)
		if err != nil {
			return err
		}

		partNumbers := input.PartNumbers
		if len(partNumbers) == 0 && sess.Strategy == domain.StrategyChunked {
			partNumbers = pendingParts(sess, state)
		}

		expiry := input.Expiry
		if expiry <= 0 {
			expiry = t.mount.LinkExpiry(s.config.SignedURLExpiry)
		}

		h := handleOf(sess)
		signed, err := retry.DoWithResult(ctx, s.retry, func() (*driver.SignedParts, error) {
			return mp.SignParts(ctx, h, partNumbers, expiry)
		})
		if err != nil {
			if domain.IsSessionGone(err) {
				s.markFailed(ctx, sess, err)
			}
			return err
		}

		info := SessionInfo{
			UploadURL:          signed.UploadURL,
			ExpiresAt:          signed.ExpiresAt,
			NextExpectedRanges: state.NextExpectedRanges,
			BytesUploaded:      sess.BytesUploaded,
			PartURLs:           signed.PartURLs,
		}
		if info.ExpiresAt == nil {
			info.ExpiresAt = sess.ExpiresAt
		}

		out = &SignPartsOutput{
			UploadID: sess.ID.String(),
			Strategy: sess.Strategy,
			Policy:   s.policy(),
			Session:  info,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMultipartParts returns the parts the provider holds. Providers without
// per-part introspection report only whole parts covered by the received
// byte offset; a trailing partial part must be sent again.
func (s *UploadService) ListMultipartParts(ctx context.Context, input ListPartsInput) (*ListPartsOutput, error) {
	var out *ListPartsOutput

	err := s.withSessionLock(ctx, input.UploadID, func(ctx context.Context) error {
		sess, err := s.load(ctx, input.MountID, input.UploadID)
		if err != nil {
			return err
		}
		if err := requireActive(sess); err != nil {
			return err
		}
		_, mp, err := s.resolveMultipart(ctx, sess.MountID)
		if err != nil {
			return err
		}

		sess, state, err := s.refresh(ctx, sess, mp)
		if err != nil {
			return err
		}

		var parts []PartSummary
		if state.Parts != nil {
			if err := s.recordProviderParts(ctx, sess, state.Parts); err != nil {
				return err
			}
			parts = make([]PartSummary, 0, len(state.Parts))
			for _, p := range state.Parts {
				parts = append(parts, PartSummary{
					PartNumber: p.PartNumber,
					Size:       p.Size,
					Checksum:   p.Checksum,
					ETag:       p.ETag,
				})
			}
			sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		} else {
			n := sess.CompletedAlignedParts()
			parts = make([]PartSummary, 0, n)
			for i := 1; i <= n; i++ {
				parts = append(parts, PartSummary{PartNumber: i, Size: partSizeOf(sess, i)})
			}
		}

		out = &ListPartsOutput{
			UploadID: sess.ID.String(),
			Parts:    parts,
			Policy:   s.policy(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteFrontendMultipartUpload finalizes the provider session and marks
// the ledger row completed. Completing an already completed upload returns
// the recorded result.
func (s *UploadService) CompleteFrontendMultipartUpload(ctx context.Context, input CompleteUploadInput) (*CompleteUploadOutput, error) {
	var out *CompleteUploadOutput

	err := s.withSessionLock(ctx, input.UploadID, func(ctx context.Context) error {
		sess, err := s.load(ctx, input.MountID, input.UploadID)
		if err != nil {
			return err
		}
		if sess.Status == domain.UploadStatusCompleted {
			out = &CompleteUploadOutput{
				Success:     true,
				StoragePath: sess.FSPath,
				Size:        sess.FileSize,
				ContentType: sess.MimeType,
			}
			return nil
		}
		if err := requireActive(sess); err != nil {
			return err
		}
		if input.FileSize > 0 && input.FileSize != sess.FileSize {
			return domain.NewDomainError(domain.ErrInvalidFileSize,
				fmt.Sprintf("upload was started for %d bytes, got %d", sess.FileSize, input.FileSize), input.UploadID)
		}
		for _, p := range input.Parts {
			if err := domain.ValidatePartNumber(p.PartNumber, sess.TotalParts); err != nil {
				return domain.NewDomainError(err, fmt.Sprintf("part %d of %d", p.PartNumber, sess.TotalParts), input.UploadID)
			}
		}
		if sess.IsExpired(s.now()) {
			err := domain.NewSessionExpiredError("upload session expired at "+sess.ExpiresAt.UTC().Format(time.RFC3339), nil)
			s.markFailed(ctx, sess, err)
			return err
		}

		_, mp, err := s.resolveMultipart(ctx, sess.MountID)
		if err != nil {
			return err
		}

		info, err := s.finish(ctx, sess, mp, input.Parts, "")
		if err != nil {
			return err
		}

		contentType := info.ContentType
		if contentType == "" {
			contentType = sess.MimeType
		}
		out = &CompleteUploadOutput{
			Success:     true,
			StoragePath: sess.FSPath,
			Size:        info.Size,
			ContentType: contentType,
			ETag:        info.ETag,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finish completes the provider session and records the row as completed.
// fingerprint is stored when non-empty.
func (s *UploadService) finish(ctx context.Context, sess *domain.UploadSession, mp driver.MultipartUploader, parts []driver.CompletedPart, fingerprint string) (*domain.FileInfo, error) {
	h := handleOf(sess)
	info, err := retry.DoWithResult(ctx, s.retry, func() (*domain.FileInfo, error) {
		return mp.CompleteSession(ctx, h, parts)
	})
	if err != nil {
		if domain.IsSessionGone(err) {
			s.markFailed(ctx, sess, err)
		}
		s.logger.Warn().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to complete upload session")
		return nil, err
	}

	if sess.Strategy == domain.StrategyChunked && len(parts) > 0 {
		if err := s.recordProviderParts(ctx, sess, providerPartsOf(parts)); err != nil {
			return nil, err
		}
	}

	if err := s.markCompleted(ctx, sess, fingerprint); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *UploadService) markCompleted(ctx context.Context, sess *domain.UploadSession, fingerprint string) error {
	patch := repository.UploadSessionPatch{
		Status:            repository.Ptr(domain.UploadStatusCompleted),
		BytesUploaded:     repository.Ptr(sess.FileSize),
		UploadedParts:     repository.Ptr(sess.TotalParts),
		NextExpectedRange: repository.Ptr(""),
	}
	if fingerprint != "" {
		patch.FingerprintAlgo = repository.Ptr(fingerprintAlgo)
		patch.FingerprintValue = repository.Ptr(fingerprint)
	}

	updated, err := s.sessions.UpdateByID(ctx, sess.ID, patch)
	if err != nil {
		s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to mark upload session completed")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.metrics.RecordBytes(string(sess.StorageType), updated.BytesUploaded-sess.BytesUploaded)
	s.metrics.RecordSessionStatus(string(sess.Strategy), string(domain.UploadStatusCompleted))

	s.logger.Info().
		Str("upload_id", sess.ID.String()).
		Str("fs_path", sess.FSPath).
		Int64("file_size", sess.FileSize).
		Msg("upload completed")
	return nil
}

// AbortFrontendMultipartUpload cancels an upload. It is idempotent: aborting
// an aborted or failed upload succeeds without changes. Releasing the
// provider session is best effort and failures are returned as warnings.
func (s *UploadService) AbortFrontendMultipartUpload(ctx context.Context, input AbortUploadInput) (*AbortUploadOutput, error) {
	var out *AbortUploadOutput

	err := s.withSessionLock(ctx, input.UploadID, func(ctx context.Context) error {
		sess, err := s.load(ctx, input.MountID, input.UploadID)
		if err != nil {
			return err
		}
		switch sess.Status {
		case domain.UploadStatusAborted, domain.UploadStatusError:
			out = &AbortUploadOutput{Success: true}
			return nil
		case domain.UploadStatusCompleted:
			return domain.NewDomainError(domain.ErrUploadAlreadyCompleted, "", input.UploadID)
		}

		var warnings []string
		if _, mp, err := s.resolveMultipart(ctx, sess.MountID); err != nil {
			warnings = append(warnings, "provider session not released: "+err.Error())
		} else if err := mp.AbortSession(ctx, handleOf(sess)); err != nil {
			warnings = append(warnings, "provider session not released: "+err.Error())
		}
		for _, w := range warnings {
			s.logger.Warn().Str("upload_id", sess.ID.String()).Msg(w)
		}

		_, err = s.sessions.UpdateByID(ctx, sess.ID, repository.UploadSessionPatch{
			Status: repository.Ptr(domain.UploadStatusAborted),
		})
		if err != nil {
			if isTerminalConflict(err) {
				out = &AbortUploadOutput{Success: true, Warnings: warnings}
				return nil
			}
			s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to abort upload session")
			return fmt.Errorf("%w: %v", ErrInternalError, err)
		}
		s.metrics.RecordSessionStatus(string(sess.Strategy), string(domain.UploadStatusAborted))

		s.logger.Info().
			Str("upload_id", sess.ID.String()).
			Int("warnings", len(warnings)).
			Msg("upload aborted")

		out = &AbortUploadOutput{Success: true, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMultipartUploads lists resumable uploads, most recently updated first.
func (s *UploadService) ListMultipartUploads(ctx context.Context, input ListUploadsInput) (*ListUploadsOutput, error) {
	filter := repository.ActiveFilter{
		UserID:   input.UserID,
		UserType: input.UserType,
		MountID:  input.MountID,
		Limit:    input.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = repository.DefaultActiveLimit
	}
	if input.MountID != "" {
		mount, _, err := s.mounts.Resolve(ctx, input.MountID)
		if err != nil {
			return nil, err
		}
		prefix, err := driver.CleanPath(input.PathPrefix)
		if err != nil {
			return nil, err
		}
		filter.FSPathPrefix = fsPath(mount, prefix)
	}

	sessions, err := s.sessions.ListActive(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Str("mount_id", input.MountID).Msg("failed to list upload sessions")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	out := &ListUploadsOutput{Uploads: make([]UploadSummary, 0, len(sessions))}
	for _, sess := range sessions {
		out.Uploads = append(out.Uploads, UploadSummary{
			UploadID:      sess.ID.String(),
			FileName:      sess.FileName,
			FileSize:      sess.FileSize,
			PartSize:      sess.PartSize,
			TotalParts:    sess.TotalParts,
			Strategy:      sess.Strategy,
			BytesUploaded: sess.BytesUploaded,
			UploadedParts: sess.UploadedParts,
			Status:        sess.Status,
			Path:          sess.FSPath,
			ExpiresAt:     sess.ExpiresAt,
			UpdatedAt:     sess.UpdatedAt,
		})
	}
	return out, nil
}

// pendingParts lists part numbers the provider does not hold yet.
func pendingParts(sess *domain.UploadSession, state *driver.SessionState) []int {
	done := make(map[int]bool)
	if state != nil && state.Parts != nil {
		for _, p := range state.Parts {
			done[p.PartNumber] = true
		}
	} else {
		for i := 1; i <= sess.CompletedAlignedParts(); i++ {
			done[i] = true
		}
	}
	out := make([]int, 0, sess.TotalParts)
	for i := 1; i <= sess.TotalParts; i++ {
		if !done[i] {
			out = append(out, i)
		}
	}
	return out
}
