package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/lock"
	"github.com/prn-tf/alexander-drives/internal/metrics"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// metaSubPath keeps the mount-relative target next to the provider meta so
// a session handle can be rebuilt from the ledger row alone.
const metaSubPath = "sub_path"

// Policy values returned with every multipart response.
const (
	RefreshPolicyServerDecides     = "server_decides"
	PartsLedgerPolicyServerRecords = "server_records"
)

// MountResolver resolves a mount to its storage config.
type MountResolver interface {
	Resolve(ctx context.Context, mountID string) (*domain.Mount, *domain.StorageConfig, error)
}

// DriverProvider returns the driver instance for a storage config.
type DriverProvider interface {
	Get(ctx context.Context, cfg *domain.StorageConfig) (driver.Driver, error)
}

// ExpiryScheduler is told about every provider session the service opens so
// the session can be expired when its handle runs out.
type ExpiryScheduler interface {
	ScheduleExpiry(uploadID uuid.UUID, at time.Time)
}

// UploadConfig contains upload orchestration settings.
type UploadConfig struct {
	// DefaultPartSize is requested from the driver when the caller sends none.
	// Zero lets the driver pick.
	DefaultPartSize int64

	// MaxPartSize caps requested part sizes before the driver aligns them.
	// Zero means no cap.
	MaxPartSize int64

	// SessionTTL is the ledger expiry for providers that report none.
	SessionTTL time.Duration

	// SignedURLExpiry bounds part URLs when the mount sets no expiry.
	SignedURLExpiry time.Duration

	// RetryAttempts bounds transient provider retries.
	RetryAttempts int
}

// DefaultUploadConfig returns sensible defaults.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		SessionTTL:      24 * time.Hour,
		SignedURLExpiry: time.Hour,
		RetryAttempts:   3,
	}
}

// UploadService orchestrates resumable uploads: it picks a strategy, opens
// provider sessions through drivers and keeps the upload ledger current.
type UploadService struct {
	mounts    MountResolver
	drivers   DriverProvider
	sessions  repository.UploadSessionRepository
	parts     repository.UploadPartRepository
	locker    lock.Locker
	scheduler ExpiryScheduler
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	config    UploadConfig
	retry     retry.Config
	now       func() time.Time
}

// NewUploadService creates a new UploadService.
func NewUploadService(
	mounts MountResolver,
	drivers DriverProvider,
	sessions repository.UploadSessionRepository,
	parts repository.UploadPartRepository,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config UploadConfig,
) *UploadService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = DefaultUploadConfig().RetryAttempts
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultUploadConfig().SessionTTL
	}
	if config.SignedURLExpiry <= 0 {
		config.SignedURLExpiry = DefaultUploadConfig().SignedURLExpiry
	}

	svcLogger := logger.With().Str("service", "upload").Logger()
	retryCfg := retry.DefaultConfig().
		WithAttempts(config.RetryAttempts).
		WithClassifier(domain.IsRetryable)
	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		svcLogger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying provider call")
	}

	return &UploadService{
		mounts:   mounts,
		drivers:  drivers,
		sessions: sessions,
		parts:    parts,
		locker:   locker,
		metrics:  m,
		logger:   svcLogger,
		config:   config,
		retry:    retryCfg,
		now:      time.Now,
	}
}

// requestedPartSize applies the configured default and cap to a caller's
// part size.
func (s *UploadService) requestedPartSize(requested int64) int64 {
	if requested <= 0 {
		requested = s.config.DefaultPartSize
	}
	if s.config.MaxPartSize > 0 && requested > s.config.MaxPartSize {
		requested = s.config.MaxPartSize
	}
	return requested
}

// WithScheduler registers a scheduler for session expiry jobs.
func (s *UploadService) WithScheduler(scheduler ExpiryScheduler) *UploadService {
	s.scheduler = scheduler
	return s
}

// =============================================================================
// Shared Types
// =============================================================================

// RetryPolicy tells clients how often to retry a failed part.
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts"`
}

// Policy describes who drives refreshes and who records parts.
type Policy struct {
	RefreshPolicy     string      `json:"refreshPolicy"`
	PartsLedgerPolicy string      `json:"partsLedgerPolicy"`
	RetryPolicy       RetryPolicy `json:"retryPolicy"`
}

// SessionInfo is the client-facing view of a provider session.
type SessionInfo struct {
	UploadURL          string           `json:"uploadUrl,omitempty"`
	ExpiresAt          *time.Time       `json:"expiresAt,omitempty"`
	NextExpectedRanges []string         `json:"nextExpectedRanges,omitempty"`
	BytesUploaded      int64            `json:"bytesUploaded"`
	PartURLs           []driver.PartURL `json:"partUrls,omitempty"`
}

func (s *UploadService) policy() Policy {
	return Policy{
		RefreshPolicy:     RefreshPolicyServerDecides,
		PartsLedgerPolicy: PartsLedgerPolicyServerRecords,
		RetryPolicy:       RetryPolicy{MaxAttempts: s.config.RetryAttempts},
	}
}

// target is a resolved mount with its driver.
type target struct {
	mount  *domain.Mount
	config *domain.StorageConfig
	driver driver.Driver
}

// =============================================================================
// Helpers
// =============================================================================

func (s *UploadService) resolve(ctx context.Context, mountID string) (*target, error) {
	if mountID == "" {
		return nil, ErrMissingRequiredParams
	}
	mount, cfg, err := s.mounts.Resolve(ctx, mountID)
	if err != nil {
		return nil, err
	}
	d, err := s.drivers.Get(ctx, cfg)
	if err != nil {
		s.logger.Error().Err(err).Str("mount_id", mountID).Msg("failed to create driver")
		return nil, err
	}
	return &target{mount: mount, config: cfg, driver: d}, nil
}

func (s *UploadService) resolveMultipart(ctx context.Context, mountID string) (*target, driver.MultipartUploader, error) {
	t, err := s.resolve(ctx, mountID)
	if err != nil {
		return nil, nil, err
	}
	mp, err := driver.AsMultipart(t.driver)
	if err != nil {
		return nil, nil, err
	}
	return t, mp, nil
}

// load fetches a ledger row and checks it belongs to mountID.
func (s *UploadService) load(ctx context.Context, mountID, uploadID string) (*domain.UploadSession, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return nil, domain.NewDomainError(ErrInvalidUploadID, "not a uuid", uploadID)
	}
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUploadSessionNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("upload_id", uploadID).Msg("failed to load upload session")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if mountID != "" && sess.MountID != mountID {
		return nil, domain.NewDomainError(domain.ErrUploadSessionNotFound, "upload belongs to another mount", uploadID)
	}
	return sess, nil
}

// requireActive rejects rows that can no longer make progress.
func requireActive(sess *domain.UploadSession) error {
	switch {
	case sess.Status.IsActive():
		return nil
	case sess.Status == domain.UploadStatusCompleted:
		return domain.NewDomainError(domain.ErrUploadAlreadyCompleted, "", sess.ID.String())
	default:
		return domain.NewDomainError(domain.ErrUploadSessionNotFound,
			fmt.Sprintf("upload is %s, restart it", sess.Status), sess.ID.String())
	}
}

func (s *UploadService) withSessionLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, s.locker, lock.Keys.UploadSession(id), lock.DefaultOptions(), fn)
}

func handleOf(sess *domain.UploadSession) *driver.SessionHandle {
	return &driver.SessionHandle{
		SubPath:   sess.ProviderMeta[metaSubPath],
		UploadID:  sess.ProviderUploadID,
		UploadURL: sess.ProviderUploadURL,
		Meta:      sess.ProviderMeta,
		FileSize:  sess.FileSize,
		PartSize:  sess.PartSize,
		ExpiresAt: sess.ExpiresAt,
	}
}

// recordHandle copies a fresh provider handle onto a new ledger row.
func (s *UploadService) recordHandle(sess *domain.UploadSession, h *driver.SessionHandle) {
	sess.ProviderUploadID = h.UploadID
	sess.ProviderUploadURL = h.UploadURL
	meta := make(map[string]string, len(h.Meta)+1)
	for k, v := range h.Meta {
		meta[k] = v
	}
	meta[metaSubPath] = h.SubPath
	sess.ProviderMeta = meta

	if h.ExpiresAt != nil {
		exp := h.ExpiresAt.UTC()
		sess.ExpiresAt = &exp
	} else {
		exp := s.now().Add(s.config.SessionTTL).UTC()
		sess.ExpiresAt = &exp
	}
}

func fsPath(mount *domain.Mount, subPath string) string {
	return "/" + driver.JoinPath(mount.MountPath, subPath)
}

// targetPath resolves a directory and file name into the file's path. A
// directory that already ends with the file name is taken as the file path.
func targetPath(dir, name string) (string, error) {
	clean, err := driver.CleanPath(dir)
	if err != nil {
		return "", err
	}
	if _, last := driver.SplitPath(clean); last != "" && strings.EqualFold(last, name) {
		return clean, nil
	}
	p, err := driver.CleanPath(driver.JoinPath(clean, name))
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", domain.NewDomainError(domain.ErrInvalidPath, "upload target is the mount root", dir)
	}
	return p, nil
}

// partSizeOf returns the size of a 1-based part.
func partSizeOf(sess *domain.UploadSession, partNo int) int64 {
	start := int64(partNo-1) * sess.PartSize
	size := sess.PartSize
	if start+size > sess.FileSize {
		size = sess.FileSize - start
	}
	if size < 0 {
		return 0
	}
	return size
}

// applyState writes the provider's view of a session to the ledger. A
// refresh reporting fewer bytes than already recorded is stale and only its
// expiry is kept.
func (s *UploadService) applyState(ctx context.Context, sess *domain.UploadSession, state *driver.SessionState) (*domain.UploadSession, error) {
	var patch repository.UploadSessionPatch

	if state.BytesUploaded < sess.BytesUploaded {
		s.metrics.RecordStaleRefresh()
		s.logger.Warn().
			Str("upload_id", sess.ID.String()).
			Int64("bytes_uploaded", sess.BytesUploaded).
			Int64("reported", state.BytesUploaded).
			Msg("discarding stale provider refresh")
	} else {
		patch.BytesUploaded = repository.Ptr(state.BytesUploaded)

		progress := *sess
		progress.BytesUploaded = state.BytesUploaded
		parts := progress.CompletedAlignedParts()
		if state.Parts != nil && len(state.Parts) > parts {
			parts = len(state.Parts)
		}
		patch.UploadedParts = repository.Ptr(parts)

		next := ""
		if len(state.NextExpectedRanges) > 0 {
			next = state.NextExpectedRanges[0]
		}
		patch.NextExpectedRange = repository.Ptr(next)

		if sess.Status == domain.UploadStatusInitiated && state.BytesUploaded > 0 {
			patch.Status = repository.Ptr(domain.UploadStatusUploading)
		}
	}
	if state.ExpiresAt != nil {
		patch.ExpiresAt = repository.Ptr(state.ExpiresAt.UTC())
	}
	if patch.IsEmpty() {
		return sess, nil
	}

	updated, err := s.sessions.UpdateByID(ctx, sess.ID, patch)
	if err != nil {
		s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to update upload session")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.metrics.RecordBytes(string(sess.StorageType), updated.BytesUploaded-sess.BytesUploaded)
	if patch.Status != nil {
		s.metrics.RecordSessionStatus(string(sess.Strategy), string(*patch.Status))
	}
	return updated, nil
}

// isTerminalConflict reports a ledger write refused because the row is final.
func isTerminalConflict(err error) bool {
	return errors.Is(err, domain.ErrInvalidStatusTransition)
}

// applyStateLocked reloads the row under its lock before applying state.
func (s *UploadService) applyStateLocked(ctx context.Context, id uuid.UUID, state *driver.SessionState) (*domain.UploadSession, error) {
	var updated *domain.UploadSession
	err := s.withSessionLock(ctx, id.String(), func(ctx context.Context) error {
		cur, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActive(cur); err != nil {
			return err
		}
		updated, err = s.applyState(ctx, cur, state)
		return err
	})
	return updated, err
}

// markFailed moves a row to error with a code derived from cause.
func (s *UploadService) markFailed(ctx context.Context, sess *domain.UploadSession, cause error) {
	code := domain.ErrorCodeProviderFailed
	switch {
	case errors.Is(cause, domain.ErrUploadSessionExpired):
		code = domain.ErrorCodeSessionExpired
	case errors.Is(cause, domain.ErrUploadSessionNotFound):
		code = domain.ErrorCodeSessionNotFound
	case errors.Is(cause, domain.ErrChecksumMismatch):
		code = domain.CodeChecksumMismatch
	default:
		var de *domain.DriverError
		if errors.As(cause, &de) && de.Code != "" {
			code = de.Code
		}
	}

	_, err := s.sessions.UpdateByID(ctx, sess.ID, repository.UploadSessionPatch{
		Status:       repository.Ptr(domain.UploadStatusError),
		ErrorCode:    repository.Ptr(code),
		ErrorMessage: repository.Ptr(cause.Error()),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to mark upload session as failed")
		return
	}

	s.metrics.RecordSessionStatus(string(sess.Strategy), string(domain.UploadStatusError))
	s.logger.Warn().
		Err(cause).
		Str("upload_id", sess.ID.String()).
		Str("error_code", code).
		Msg("upload session failed")
}

// refresh asks the provider for session state and records it. A session the
// provider lost, or whose handle expired, fails the row.
func (s *UploadService) refresh(ctx context.Context, sess *domain.UploadSession, mp driver.MultipartUploader) (*domain.UploadSession, *driver.SessionState, error) {
	if sess.IsExpired(s.now()) {
		err := domain.NewSessionExpiredError("upload session expired at "+sess.ExpiresAt.UTC().Format(time.RFC3339), nil)
		s.markFailed(ctx, sess, err)
		return nil, nil, err
	}

	h := handleOf(sess)
	state, err := retry.DoWithResult(ctx, s.retry, func() (*driver.SessionState, error) {
		return mp.QuerySession(ctx, h)
	})
	if err != nil {
		if domain.IsSessionGone(err) {
			s.markFailed(ctx, sess, err)
		}
		return nil, nil, err
	}

	updated, err := s.applyState(ctx, sess, state)
	if err != nil {
		return nil, nil, err
	}
	return updated, state, nil
}

// recordProviderParts stores parts reported by providers with per-part
// introspection.
func (s *UploadService) recordProviderParts(ctx context.Context, sess *domain.UploadSession, parts []driver.ProviderPart) error {
	for _, pp := range parts {
		if err := domain.ValidatePartNumber(pp.PartNumber, sess.TotalParts); err != nil {
			continue
		}
		size := pp.Size
		if size <= 0 {
			size = partSizeOf(sess, pp.PartNumber)
		}
		part := domain.NewUploadPart(sess.ID, pp.PartNumber, int64(pp.PartNumber-1)*sess.PartSize, size)
		part.StorageType = sess.StorageType
		part.ProviderPartID = pp.ETag
		if pp.Checksum != "" {
			part.Checksum = pp.Checksum
			part.ChecksumAlgo = "provider"
		}
		if err := s.parts.Upsert(ctx, part); err != nil {
			s.logger.Error().Err(err).
				Str("upload_id", sess.ID.String()).
				Int("part_no", pp.PartNumber).
				Msg("failed to record upload part")
			return fmt.Errorf("%w: %v", ErrInternalError, err)
		}
	}
	return nil
}

func completedPartsOf(state *driver.SessionState) []driver.CompletedPart {
	if state == nil || len(state.Parts) == 0 {
		return nil
	}
	out := make([]driver.CompletedPart, 0, len(state.Parts))
	for _, p := range state.Parts {
		out = append(out, driver.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
	}
	return out
}

func providerPartsOf(parts []driver.CompletedPart) []driver.ProviderPart {
	out := make([]driver.ProviderPart, 0, len(parts))
	for _, p := range parts {
		out = append(out, driver.ProviderPart{PartNumber: p.PartNumber, Size: p.Size, ETag: p.ETag})
	}
	return out
}
