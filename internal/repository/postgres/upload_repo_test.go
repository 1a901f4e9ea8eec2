package postgres

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// Postgres tests run against a real server:
//
//	ALEXANDER_TEST_POSTGRES_HOST=localhost \
//	ALEXANDER_TEST_POSTGRES_USER=alexander \
//	ALEXANDER_TEST_POSTGRES_PASSWORD=alexander \
//	ALEXANDER_TEST_POSTGRES_DB=alexander_test go test ./internal/repository/postgres/...
func newTestDB(t *testing.T) *DB {
	t.Helper()
	host := os.Getenv("ALEXANDER_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("ALEXANDER_TEST_POSTGRES_HOST not set")
	}

	port := 5432
	if v := os.Getenv("ALEXANDER_TEST_POSTGRES_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err)
		port = p
	}

	ctx := context.Background()
	db, err := NewDB(ctx, config.DatabaseConfig{
		Driver:          "postgres",
		Host:            host,
		Port:            port,
		User:            envOr("ALEXANDER_TEST_POSTGRES_USER", "alexander"),
		Password:        os.Getenv("ALEXANDER_TEST_POSTGRES_PASSWORD"),
		Database:        envOr("ALEXANDER_TEST_POSTGRES_DB", "alexander_test"),
		SSLMode:         envOr("ALEXANDER_TEST_POSTGRES_SSLMODE", "disable"),
		MaxOpenConns:    5,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newSession uses a fresh mount id so runs against a shared database do not
// see each other's rows.
func newSession(fsPath string) *domain.UploadSession {
	s := domain.NewUploadSession(fsPath, "report.pdf", 12*1024*1024, 5*1024*1024, domain.StrategyChunked)
	s.UserID = "u1"
	s.UserType = "user"
	s.StorageType = domain.StorageTypeS3
	s.StorageConfigID = "cfg-1"
	s.MountID = "m-" + uuid.NewString()
	s.Source = domain.UploadSourceFrontend
	s.MimeType = "application/pdf"
	s.ProviderUploadID = "mpu-1"
	s.ProviderMeta = map[string]string{"bucket": "b1"}
	expires := time.Now().UTC().Add(time.Hour)
	s.ExpiresAt = &expires
	return s
}

func TestUploadSessionRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadSessionRepository(newTestDB(t))

	s := newSession("docs/report.pdf")
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.FSPath, got.FSPath)
	require.Equal(t, 3, got.TotalParts)
	require.Equal(t, domain.UploadStatusInitiated, got.Status)
	require.Equal(t, "b1", got.ProviderMeta["bucket"])

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrUploadSessionNotFound)
}

func TestUploadSessionRepository_BytesNeverDecrease(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadSessionRepository(newTestDB(t))

	s := newSession("docs/a.bin")
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.UpdateByID(ctx, s.ID, repository.UploadSessionPatch{
		Status:        repository.Ptr(domain.UploadStatusUploading),
		BytesUploaded: repository.Ptr(int64(10 << 20)),
		UploadedParts: repository.Ptr(2),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10<<20), got.BytesUploaded)
	require.Equal(t, 2, got.UploadedParts)

	got, err = repo.UpdateByID(ctx, s.ID, repository.UploadSessionPatch{
		BytesUploaded: repository.Ptr(int64(5 << 20)),
		UploadedParts: repository.Ptr(1),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10<<20), got.BytesUploaded)
	require.Equal(t, 2, got.UploadedParts)
}

func TestUploadSessionRepository_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadSessionRepository(newTestDB(t))

	s := newSession("docs/b.bin")
	require.NoError(t, repo.Create(ctx, s))

	_, err := repo.UpdateByID(ctx, s.ID, repository.UploadSessionPatch{
		Status: repository.Ptr(domain.UploadStatusAborted),
	})
	require.NoError(t, err)

	_, err = repo.UpdateByID(ctx, s.ID, repository.UploadSessionPatch{
		Status: repository.Ptr(domain.UploadStatusUploading),
	})
	require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UploadStatusAborted, got.Status)
}

func TestUploadSessionRepository_ConcurrentTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadSessionRepository(newTestDB(t))

	s := newSession("docs/race.bin")
	require.NoError(t, repo.Create(ctx, s))

	// Both writers read the row as active; the row lock makes the second one
	// see the first one's terminal status.
	targets := []domain.UploadStatus{domain.UploadStatusCompleted, domain.UploadStatusAborted}
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, status := range targets {
		wg.Add(1)
		go func(i int, status domain.UploadStatus) {
			defer wg.Done()
			_, errs[i] = repo.UpdateByID(ctx, s.ID, repository.UploadSessionPatch{Status: repository.Ptr(status)})
		}(i, status)
	}
	wg.Wait()

	var won domain.UploadStatus
	refused := 0
	for i, err := range errs {
		if err == nil {
			won = targets[i]
			continue
		}
		require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
		refused++
	}
	require.Equal(t, 1, refused)

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, won, got.Status)
}

func TestUploadSessionRepository_ListActiveAndExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadSessionRepository(newTestDB(t))

	fresh := newSession("docs/a.bin")
	stale := newSession("docs/b.bin")
	stale.MountID = fresh.MountID
	past := time.Now().UTC().Add(-time.Minute)
	stale.ExpiresAt = &past
	require.NoError(t, repo.Create(ctx, fresh))
	require.NoError(t, repo.Create(ctx, stale))

	active, err := repo.ListActive(ctx, repository.ActiveFilter{MountID: fresh.MountID, FSPathPrefix: "docs/"})
	require.NoError(t, err)
	require.Len(t, active, 2)

	expired, err := repo.ListExpired(ctx, time.Now(), 1000)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
	}
	require.Contains(t, ids, stale.ID)
	require.NotContains(t, ids, fresh.ID)
}

func TestUploadPartRepository_UpsertKeepsRangeAndChecksum(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewUploadSessionRepository(db)
	parts := NewUploadPartRepository(db)

	s := newSession("docs/big.iso")
	require.NoError(t, sessions.Create(ctx, s))

	failed := domain.NewUploadPart(s.ID, 1, 0, 5<<20)
	failed.Status = domain.PartStatusFailed
	failed.ErrorCode = domain.CodeProviderTransient
	failed.ErrorMessage = "timeout"
	require.NoError(t, parts.Upsert(ctx, failed))

	uploaded := domain.NewUploadPart(s.ID, 1, 0, 5<<20)
	uploaded.ProviderPartID = "etag-1"
	uploaded.ChecksumAlgo = "provider"
	uploaded.Checksum = "abc"
	require.NoError(t, parts.Upsert(ctx, uploaded))

	other := domain.NewUploadPart(s.ID, 1, 100, 10)
	other.ProviderPartID = "etag-2"
	other.Checksum = "def"
	require.NoError(t, parts.Upsert(ctx, other))

	got, err := parts.ListByUpload(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(0), got[0].ByteStart)
	require.Equal(t, int64(5<<20-1), got[0].ByteEnd)
	require.Equal(t, "abc", got[0].Checksum)
	require.Equal(t, "etag-2", got[0].ProviderPartID)
	require.Equal(t, domain.PartStatusUploaded, got[0].Status)
	require.Empty(t, got[0].ErrorCode)

	require.ErrorIs(t, parts.UpdateStatus(ctx, s.ID, 9, domain.PartStatusFailed, "", ""), repository.ErrNotFound)

	require.NoError(t, parts.DeleteByUpload(ctx, s.ID))
	got, err = parts.ListByUpload(ctx, s.ID)
	require.NoError(t, err)
	require.Empty(t, got)
}
