package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// timeFormat keeps text timestamps lexically sortable.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const sessionColumns = `id, user_id, user_type, storage_type, storage_config_id, mount_id, fs_path, source,
	file_name, file_size, mime_type, checksum, fingerprint_algo, fingerprint_value,
	strategy, part_size, total_parts, bytes_uploaded, uploaded_parts, next_expected_range,
	provider_upload_id, provider_upload_url, provider_meta,
	status, error_code, error_message, created_at, updated_at, expires_at`

// uploadSessionRepository implements repository.UploadSessionRepository for SQLite.
type uploadSessionRepository struct {
	db *DB
}

// NewUploadSessionRepository creates a new SQLite upload session repository.
func NewUploadSessionRepository(db *DB) repository.UploadSessionRepository {
	return &uploadSessionRepository{db: db}
}

// Create inserts a new session row.
func (r *uploadSessionRepository) Create(ctx context.Context, s *domain.UploadSession) error {
	query := `INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	meta, err := encodeMeta(s.ProviderMeta)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		s.ID.String(),
		s.UserID,
		s.UserType,
		string(s.StorageType),
		s.StorageConfigID,
		s.MountID,
		s.FSPath,
		string(s.Source),
		s.FileName,
		s.FileSize,
		s.MimeType,
		nullString(s.Checksum),
		nullString(s.FingerprintAlgo),
		nullString(s.FingerprintValue),
		string(s.Strategy),
		s.PartSize,
		s.TotalParts,
		s.BytesUploaded,
		s.UploadedParts,
		nullString(s.NextExpectedRange),
		nullString(s.ProviderUploadID),
		nullString(s.ProviderUploadURL),
		meta,
		string(s.Status),
		nullString(s.ErrorCode),
		nullString(s.ErrorMessage),
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
		formatNullTime(s.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: upload session %s", repository.ErrConflict, s.ID)
		}
		return fmt.Errorf("failed to create upload session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by id.
func (r *uploadSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	return r.getByID(ctx, r.db.DB(), id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *uploadSessionRepository) getByID(ctx context.Context, q queryRower, id uuid.UUID) (*domain.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = ?`

	s, err := scanSession(q.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrUploadSessionNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return s, nil
}

// UpdateByID applies a patch inside a transaction.
func (r *uploadSessionRepository) UpdateByID(ctx context.Context, id uuid.UUID, patch repository.UploadSessionPatch) (*domain.UploadSession, error) {
	var updated *domain.UploadSession

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getByID(ctx, tx, id)
		if err != nil {
			return err
		}

		if patch.Status != nil && *patch.Status != current.Status && !current.Status.CanTransitionTo(*patch.Status) {
			return domain.NewDomainError(domain.ErrInvalidStatusTransition,
				fmt.Sprintf("%s -> %s", current.Status, *patch.Status), id.String())
		}

		sets, args, err := buildSessionSets(patch)
		if err != nil {
			return err
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(time.Now().UTC()))
		args = append(args, id.String())

		// The status guard repeats the check above at the row level.
		query := `UPDATE upload_sessions SET ` + strings.Join(sets, ", ") + `
			WHERE id = ? AND (status IN ('initiated', 'uploading') OR status = COALESCE(?, status))`
		args = append(args, statusArg(patch.Status))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update upload session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewDomainError(domain.ErrInvalidStatusTransition, "row is terminal", id.String())
		}

		updated, err = r.getByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func buildSessionSets(p repository.UploadSessionPatch) ([]string, []any, error) {
	var sets []string
	var args []any

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.BytesUploaded != nil {
		sets = append(sets, "bytes_uploaded = MAX(bytes_uploaded, ?)")
		args = append(args, *p.BytesUploaded)
	}
	if p.UploadedParts != nil {
		sets = append(sets, "uploaded_parts = MAX(uploaded_parts, ?)")
		args = append(args, *p.UploadedParts)
	}
	if p.NextExpectedRange != nil {
		sets = append(sets, "next_expected_range = ?")
		args = append(args, nullString(*p.NextExpectedRange))
	}
	if p.ProviderUploadID != nil {
		sets = append(sets, "provider_upload_id = ?")
		args = append(args, nullString(*p.ProviderUploadID))
	}
	if p.ProviderUploadURL != nil {
		sets = append(sets, "provider_upload_url = ?")
		args = append(args, nullString(*p.ProviderUploadURL))
	}
	if p.ProviderMeta != nil {
		meta, err := encodeMeta(p.ProviderMeta)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, "provider_meta = ?")
		args = append(args, meta)
	}
	if p.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullString(*p.ErrorCode))
	}
	if p.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*p.ErrorMessage))
	}
	if p.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, formatNullTime(p.ExpiresAt))
	}
	if p.FingerprintAlgo != nil {
		sets = append(sets, "fingerprint_algo = ?")
		args = append(args, nullString(*p.FingerprintAlgo))
	}
	if p.FingerprintValue != nil {
		sets = append(sets, "fingerprint_value = ?")
		args = append(args, nullString(*p.FingerprintValue))
	}

	return sets, args, nil
}

// ListActive returns initiated or uploading sessions matching the filter.
func (r *uploadSessionRepository) ListActive(ctx context.Context, filter repository.ActiveFilter) ([]*domain.UploadSession, error) {
	where := []string{"status IN ('initiated', 'uploading')"}
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UserType != "" {
		where = append(where, "user_type = ?")
		args = append(args, filter.UserType)
	}
	if filter.StorageType != "" {
		where = append(where, "storage_type = ?")
		args = append(args, string(filter.StorageType))
	}
	if filter.MountID != "" {
		where = append(where, "mount_id = ?")
		args = append(args, filter.MountID)
	}
	if filter.FSPathPrefix != "" {
		where = append(where, "fs_path LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.FSPathPrefix)+"%")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}
	args = append(args, limit)

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_at DESC
		LIMIT ?`

	return r.querySessions(ctx, query, args...)
}

// ListExpired returns active sessions whose provider handle has expired.
func (r *uploadSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error) {
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE status IN ('initiated', 'uploading')
		  AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?`

	return r.querySessions(ctx, query, formatTime(now.UTC()), limit)
}

// DeleteFinishedBefore removes terminal sessions last updated before cutoff.
// Parts cascade through the foreign key.
func (r *uploadSessionRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}
	query := `DELETE FROM upload_sessions WHERE id IN (
		SELECT id FROM upload_sessions
		WHERE status IN ('completed', 'aborted', 'error') AND updated_at < ?
		LIMIT ?
	)`

	res, err := r.db.ExecContext(ctx, query, formatTime(cutoff.UTC()), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished upload sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *uploadSessionRepository) querySessions(ctx context.Context, query string, args ...any) ([]*domain.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upload sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.UploadSession, error) {
	s := &domain.UploadSession{}
	var (
		idStr, storageType, source, strategy, status string
		checksum, fpAlgo, fpValue, nextRange         sql.NullString
		providerID, providerURL, providerMeta        sql.NullString
		errorCode, errorMessage                      sql.NullString
		createdAt, updatedAt                         string
		expiresAt                                    sql.NullString
	)

	err := row.Scan(
		&idStr,
		&s.UserID,
		&s.UserType,
		&storageType,
		&s.StorageConfigID,
		&s.MountID,
		&s.FSPath,
		&source,
		&s.FileName,
		&s.FileSize,
		&s.MimeType,
		&checksum,
		&fpAlgo,
		&fpValue,
		&strategy,
		&s.PartSize,
		&s.TotalParts,
		&s.BytesUploaded,
		&s.UploadedParts,
		&nextRange,
		&providerID,
		&providerURL,
		&providerMeta,
		&status,
		&errorCode,
		&errorMessage,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if s.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid upload session id %q: %w", idStr, err)
	}
	s.StorageType = domain.StorageType(storageType)
	s.Source = domain.UploadSource(source)
	s.Strategy = domain.UploadStrategy(strategy)
	s.Status = domain.UploadStatus(status)
	s.Checksum = checksum.String
	s.FingerprintAlgo = fpAlgo.String
	s.FingerprintValue = fpValue.String
	s.NextExpectedRange = nextRange.String
	s.ProviderUploadID = providerID.String
	s.ProviderUploadURL = providerURL.String
	s.ErrorCode = errorCode.String
	s.ErrorMessage = errorMessage.String

	if s.ProviderMeta, err = decodeMeta(providerMeta); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.String != "" {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		s.ExpiresAt = &t
	}

	return s, nil
}

// =============================================================================
// Column helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func statusArg(s *domain.UploadStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func encodeMeta(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode provider meta: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMeta(v sql.NullString) (map[string]string, error) {
	meta := make(map[string]string)
	if !v.Valid || v.String == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(v.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode provider meta: %w", err)
	}
	return meta, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
