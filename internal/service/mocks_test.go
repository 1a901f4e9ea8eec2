package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/lock"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// =============================================================================
// Mock Driver
// =============================================================================

type mockDriver struct {
	mock.Mock

	storageType domain.StorageType
	caps        domain.CapabilitySet
	threshold   int64
	strategy    domain.UploadStrategy
	partSize    int64
}

func newMockDriver(storageType domain.StorageType, strategy domain.UploadStrategy) *mockDriver {
	return &mockDriver{
		storageType: storageType,
		caps: domain.NewCapabilitySet(domain.CapabilityReader, domain.CapabilityWriter,
			domain.CapabilityMultipart),
		threshold: 4 * 1024 * 1024,
		strategy:  strategy,
		partSize:  320 * 1024,
	}
}

func (m *mockDriver) Type() domain.StorageType           { return m.storageType }
func (m *mockDriver) Capabilities() domain.CapabilitySet { return m.caps }

func (m *mockDriver) ListDirectory(ctx context.Context, subPath string, opts driver.ListOptions) (*domain.DirectoryListing, error) {
	args := m.Called(ctx, subPath, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DirectoryListing), args.Error(1)
}

func (m *mockDriver) GetFileInfo(ctx context.Context, subPath string) (*domain.FileInfo, error) {
	args := m.Called(ctx, subPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileInfo), args.Error(1)
}

func (m *mockDriver) DownloadFile(ctx context.Context, subPath string) (*driver.StreamDescriptor, error) {
	args := m.Called(ctx, subPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.StreamDescriptor), args.Error(1)
}

func (m *mockDriver) UploadFile(ctx context.Context, subPath string, src *driver.UploadSource) (*driver.UploadResult, error) {
	args := m.Called(ctx, subPath, src)
	if fn, ok := args.Get(0).(func(*driver.UploadSource) *driver.UploadResult); ok {
		return fn(src), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.UploadResult), args.Error(1)
}

func (m *mockDriver) CreateDirectory(ctx context.Context, subPath string) (*driver.CreateDirectoryResult, error) {
	args := m.Called(ctx, subPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.CreateDirectoryResult), args.Error(1)
}

func (m *mockDriver) RenameItem(ctx context.Context, source, target string) (*driver.RenameResult, error) {
	args := m.Called(ctx, source, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.RenameResult), args.Error(1)
}

func (m *mockDriver) CopyItem(ctx context.Context, source, target string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	args := m.Called(ctx, source, target, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.CopyResult), args.Error(1)
}

func (m *mockDriver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	args := m.Called(ctx, paths)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.BatchRemoveResult), args.Error(1)
}

func (m *mockDriver) SmallFileThreshold() int64                { return m.threshold }
func (m *mockDriver) FrontendStrategy() domain.UploadStrategy  { return m.strategy }
func (m *mockDriver) NormalizePartSize(requested, _ int64) int64 {
	if requested <= 0 {
		return m.partSize
	}
	return requested
}

func (m *mockDriver) CreateUploadSession(ctx context.Context, subPath string, req driver.CreateSessionRequest) (*driver.SessionHandle, error) {
	args := m.Called(ctx, subPath, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.SessionHandle), args.Error(1)
}

func (m *mockDriver) QuerySession(ctx context.Context, h *driver.SessionHandle) (*driver.SessionState, error) {
	args := m.Called(ctx, h)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.SessionState), args.Error(1)
}

func (m *mockDriver) SignParts(ctx context.Context, h *driver.SessionHandle, partNumbers []int, expiry time.Duration) (*driver.SignedParts, error) {
	args := m.Called(ctx, h, partNumbers, expiry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.SignedParts), args.Error(1)
}

func (m *mockDriver) UploadChunk(ctx context.Context, h *driver.SessionHandle, chunk *driver.Chunk) (*driver.SessionState, error) {
	args := m.Called(ctx, h, chunk)
	if fn, ok := args.Get(0).(func(*driver.Chunk) (*driver.SessionState, error)); ok {
		return fn(chunk)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.SessionState), args.Error(1)
}

func (m *mockDriver) CompleteSession(ctx context.Context, h *driver.SessionHandle, parts []driver.CompletedPart) (*domain.FileInfo, error) {
	args := m.Called(ctx, h, parts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileInfo), args.Error(1)
}

func (m *mockDriver) AbortSession(ctx context.Context, h *driver.SessionHandle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeMounts struct {
	mounts map[string]*domain.Mount
	config *domain.StorageConfig
}

func (f *fakeMounts) Resolve(ctx context.Context, mountID string) (*domain.Mount, *domain.StorageConfig, error) {
	m, ok := f.mounts[mountID]
	if !ok {
		return nil, nil, domain.ErrMountNotFound
	}
	return m, f.config, nil
}

type fakeDrivers struct {
	d driver.Driver
}

func (f *fakeDrivers) Get(ctx context.Context, cfg *domain.StorageConfig) (driver.Driver, error) {
	return f.d, nil
}

// memSessions is an in-memory ledger applying the same guards as the SQL
// repositories: bytes and parts never decrease and terminal rows stay put.
type memSessions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.UploadSession
}

func newMemSessions() *memSessions {
	return &memSessions{rows: make(map[uuid.UUID]*domain.UploadSession)}
}

func cloneSession(s *domain.UploadSession) *domain.UploadSession {
	c := *s
	c.ProviderMeta = make(map[string]string, len(s.ProviderMeta))
	for k, v := range s.ProviderMeta {
		c.ProviderMeta[k] = v
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (r *memSessions) Create(ctx context.Context, s *domain.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return repository.ErrConflict
	}
	r.rows[s.ID] = cloneSession(s)
	return nil
}

func (r *memSessions) GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrUploadSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *memSessions) UpdateByID(ctx context.Context, id uuid.UUID, p repository.UploadSessionPatch) (*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrUploadSessionNotFound
	}
	if p.Status != nil && *p.Status != s.Status && !s.Status.CanTransitionTo(*p.Status) {
		return nil, domain.NewDomainError(domain.ErrInvalidStatusTransition, "", id.String())
	}
	if s.Status.IsTerminal() && (p.Status == nil || *p.Status != s.Status) {
		return nil, domain.NewDomainError(domain.ErrInvalidStatusTransition, "row is terminal", id.String())
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.BytesUploaded != nil && *p.BytesUploaded > s.BytesUploaded {
		s.BytesUploaded = *p.BytesUploaded
	}
	if p.UploadedParts != nil && *p.UploadedParts > s.UploadedParts {
		s.UploadedParts = *p.UploadedParts
	}
	if p.NextExpectedRange != nil {
		s.NextExpectedRange = *p.NextExpectedRange
	}
	if p.ErrorCode != nil {
		s.ErrorCode = *p.ErrorCode
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		s.ExpiresAt = &t
	}
	if p.FingerprintAlgo != nil {
		s.FingerprintAlgo = *p.FingerprintAlgo
	}
	if p.FingerprintValue != nil {
		s.FingerprintValue = *p.FingerprintValue
	}
	s.UpdatedAt = time.Now().UTC()
	return cloneSession(s), nil
}

func (r *memSessions) ListActive(ctx context.Context, f repository.ActiveFilter) ([]*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UploadSession
	for _, s := range r.rows {
		if !s.Status.IsActive() {
			continue
		}
		if f.MountID != "" && s.MountID != f.MountID {
			continue
		}
		if f.UserID != "" && s.UserID != f.UserID {
			continue
		}
		if f.FSPathPrefix != "" && !strings.HasPrefix(s.FSPath, f.FSPathPrefix) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memSessions) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UploadSession
	for _, s := range r.rows {
		if s.Status.IsActive() && s.IsExpired(now) {
			out = append(out, cloneSession(s))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSessions) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.rows {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessions) get(id uuid.UUID) *domain.UploadSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSession(r.rows[id])
}

func (r *memSessions) put(s *domain.UploadSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = cloneSession(s)
}

type memParts struct {
	mu    sync.Mutex
	parts map[uuid.UUID]map[int]*domain.UploadPart
}

func newMemParts() *memParts {
	return &memParts{parts: make(map[uuid.UUID]map[int]*domain.UploadPart)}
}

func (r *memParts) Upsert(ctx context.Context, p *domain.UploadPart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parts[p.UploadID] == nil {
		r.parts[p.UploadID] = make(map[int]*domain.UploadPart)
	}
	c := *p
	if prev, ok := r.parts[p.UploadID][p.PartNo]; ok {
		// Range and checksum of a stored part do not change.
		c.ID, c.ByteStart, c.ByteEnd, c.Size, c.CreatedAt = prev.ID, prev.ByteStart, prev.ByteEnd, prev.Size, prev.CreatedAt
		if prev.Checksum != "" {
			c.ChecksumAlgo, c.Checksum = prev.ChecksumAlgo, prev.Checksum
		}
	}
	r.parts[p.UploadID][p.PartNo] = &c
	return nil
}

func (r *memParts) ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]*domain.UploadPart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.UploadPart, 0, len(r.parts[uploadID]))
	for _, p := range r.parts[uploadID] {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNo < out[j].PartNo })
	return out, nil
}

func (r *memParts) UpdateStatus(ctx context.Context, uploadID uuid.UUID, partNo int, status domain.PartStatus, code, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[uploadID][partNo]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status, p.ErrorCode, p.ErrorMessage = status, code, msg
	return nil
}

func (r *memParts) DeleteByUpload(ctx context.Context, uploadID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parts, uploadID)
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

type testEnv struct {
	svc      *UploadService
	drv      *mockDriver
	sessions *memSessions
	parts    *memParts
	locker   *lock.MemoryLocker
	mounts   *fakeMounts
}

func newTestEnv(t *testing.T, storageType domain.StorageType, strategy domain.UploadStrategy) *testEnv {
	t.Helper()

	drv := newMockDriver(storageType, strategy)
	mounts := &fakeMounts{
		mounts: map[string]*domain.Mount{
			"m1": {ID: "m1", MountPath: "/drive", StorageConfigID: "cfg-1", SignedURLExpiry: 10 * time.Minute},
			"m2": {ID: "m2", MountPath: "/other", StorageConfigID: "cfg-1"},
		},
		config: &domain.StorageConfig{ID: "cfg-1", StorageType: storageType},
	}
	sessions := newMemSessions()
	parts := newMemParts()
	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Close)

	svc := NewUploadService(mounts, &fakeDrivers{d: drv}, sessions, parts, locker, nil, zerolog.Nop(), DefaultUploadConfig())
	svc.retry.InitialWait = time.Millisecond
	svc.retry.MaxWait = 5 * time.Millisecond

	return &testEnv{svc: svc, drv: drv, sessions: sessions, parts: parts, locker: locker, mounts: mounts}
}

// seedSession stores an active session with a provider handle.
func (e *testEnv) seedSession(t *testing.T, fileSize, partSize int64, strategy domain.UploadStrategy) *domain.UploadSession {
	t.Helper()
	sess := domain.NewUploadSession("/drive/docs/a.bin", "a.bin", fileSize, partSize, strategy)
	sess.MountID = "m1"
	sess.StorageConfigID = "cfg-1"
	sess.StorageType = e.drv.storageType
	sess.Source = domain.UploadSourceFrontend
	sess.ProviderUploadURL = "https://upload.example/session/1"
	sess.ProviderUploadID = "provider-1"
	sess.ProviderMeta = map[string]string{metaSubPath: "docs/a.bin"}
	exp := time.Now().Add(time.Hour).UTC()
	sess.ExpiresAt = &exp
	e.sessions.put(sess)
	return sess
}

func handleFor(uploadURL string) interface{} {
	return mock.MatchedBy(func(h *driver.SessionHandle) bool {
		return h != nil && h.UploadURL == uploadURL
	})
}
