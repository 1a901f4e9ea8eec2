package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

const sessionColumns = `id, user_id, user_type, storage_type, storage_config_id, mount_id, fs_path, source,
	file_name, file_size, mime_type, checksum, fingerprint_algo, fingerprint_value,
	strategy, part_size, total_parts, bytes_uploaded, uploaded_parts, next_expected_range,
	provider_upload_id, provider_upload_url, provider_meta,
	status, error_code, error_message, created_at, updated_at, expires_at`

// uploadSessionRepository implements repository.UploadSessionRepository.
type uploadSessionRepository struct {
	db *DB
}

// NewUploadSessionRepository creates a new PostgreSQL upload session repository.
func NewUploadSessionRepository(db *DB) repository.UploadSessionRepository {
	return &uploadSessionRepository{db: db}
}

// Create inserts a new session row.
func (r *uploadSessionRepository) Create(ctx context.Context, s *domain.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`

	meta, err := encodeMeta(s.ProviderMeta)
	if err != nil {
		return err
	}

	_, err = r.db.Pool.Exec(ctx, query,
		s.ID,
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
		nullable(s.Checksum),
		nullable(s.FingerprintAlgo),
		nullable(s.FingerprintValue),
		string(s.Strategy),
		s.PartSize,
		s.TotalParts,
		s.BytesUploaded,
		s.UploadedParts,
		nullable(s.NextExpectedRange),
		nullable(s.ProviderUploadID),
		nullable(s.ProviderUploadURL),
		meta,
		string(s.Status),
		nullable(s.ErrorCode),
		nullable(s.ErrorMessage),
		s.CreatedAt,
		s.UpdatedAt,
		s.ExpiresAt,
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
	return r.getByID(ctx, r.db.Pool, id, false)
}

func (r *uploadSessionRepository) getByID(ctx context.Context, q Querier, id uuid.UUID, forUpdate bool) (*domain.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	s, err := scanSession(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUploadSessionNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return s, nil
}

// UpdateByID applies a patch while holding the row lock.
func (r *uploadSessionRepository) UpdateByID(ctx context.Context, id uuid.UUID, patch repository.UploadSessionPatch) (*domain.UploadSession, error) {
	var updated *domain.UploadSession

	err := r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := r.getByID(ctx, tx, id, true)
		if err != nil {
			return err
		}

		if patch.Status != nil && *patch.Status != current.Status && !current.Status.CanTransitionTo(*patch.Status) {
			return domain.NewDomainError(domain.ErrInvalidStatusTransition,
				fmt.Sprintf("%s -> %s", current.Status, *patch.Status), id.String())
		}

		b := &setBuilder{}
		if patch.Status != nil {
			b.add("status = %s", string(*patch.Status))
		}
		if patch.BytesUploaded != nil {
			b.add("bytes_uploaded = GREATEST(bytes_uploaded, %s)", *patch.BytesUploaded)
		}
		if patch.UploadedParts != nil {
			b.add("uploaded_parts = GREATEST(uploaded_parts, %s)", *patch.UploadedParts)
		}
		if patch.NextExpectedRange != nil {
			b.add("next_expected_range = %s", nullable(*patch.NextExpectedRange))
		}
		if patch.ProviderUploadID != nil {
			b.add("provider_upload_id = %s", nullable(*patch.ProviderUploadID))
		}
		if patch.ProviderUploadURL != nil {
			b.add("provider_upload_url = %s", nullable(*patch.ProviderUploadURL))
		}
		if patch.ProviderMeta != nil {
			meta, err := encodeMeta(patch.ProviderMeta)
			if err != nil {
				return err
			}
			b.add("provider_meta = %s", meta)
		}
		if patch.ErrorCode != nil {
			b.add("error_code = %s", nullable(*patch.ErrorCode))
		}
		if patch.ErrorMessage != nil {
			b.add("error_message = %s", nullable(*patch.ErrorMessage))
		}
		if patch.ExpiresAt != nil {
			b.add("expires_at = %s", *patch.ExpiresAt)
		}
		if patch.FingerprintAlgo != nil {
			b.add("fingerprint_algo = %s", nullable(*patch.FingerprintAlgo))
		}
		if patch.FingerprintValue != nil {
			b.add("fingerprint_value = %s", nullable(*patch.FingerprintValue))
		}
		b.add("updated_at = %s", time.Now().UTC())

		idArg := b.arg(id)
		query := `UPDATE upload_sessions SET ` + strings.Join(b.sets, ", ") + ` WHERE id = ` + idArg

		if _, err := tx.Exec(ctx, query, b.args...); err != nil {
			return fmt.Errorf("failed to update upload session: %w", err)
		}

		updated, err = r.getByID(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListActive returns initiated or uploading sessions matching the filter.
func (r *uploadSessionRepository) ListActive(ctx context.Context, filter repository.ActiveFilter) ([]*domain.UploadSession, error) {
	b := &setBuilder{}
	where := []string{"status IN ('initiated', 'uploading')"}

	if filter.UserID != "" {
		where = append(where, "user_id = "+b.arg(filter.UserID))
	}
	if filter.UserType != "" {
		where = append(where, "user_type = "+b.arg(filter.UserType))
	}
	if filter.StorageType != "" {
		where = append(where, "storage_type = "+b.arg(string(filter.StorageType)))
	}
	if filter.MountID != "" {
		where = append(where, "mount_id = "+b.arg(filter.MountID))
	}
	if filter.FSPathPrefix != "" {
		where = append(where, "starts_with(fs_path, "+b.arg(filter.FSPathPrefix)+")")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_at DESC
		LIMIT ` + b.arg(limit)

	return r.querySessions(ctx, query, b.args...)
}

// ListExpired returns active sessions whose provider handle has expired.
func (r *uploadSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadSession, error) {
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE status IN ('initiated', 'uploading')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	return r.querySessions(ctx, query, now.UTC(), limit)
}

// DeleteFinishedBefore removes terminal sessions last updated before cutoff.
func (r *uploadSessionRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = repository.DefaultActiveLimit
	}
	query := `DELETE FROM upload_sessions WHERE id IN (
		SELECT id FROM upload_sessions
		WHERE status IN ('completed', 'aborted', 'error') AND updated_at < $1
		LIMIT $2
	)`

	tag, err := r.db.Pool.Exec(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished upload sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *uploadSessionRepository) querySessions(ctx context.Context, query string, args ...any) ([]*domain.UploadSession, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
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

func scanSession(row pgx.Row) (*domain.UploadSession, error) {
	s := &domain.UploadSession{}
	var (
		storageType, source, strategy, status string
		checksum, fpAlgo, fpValue, nextRange  *string
		providerID, providerURL               *string
		errorCode, errorMessage               *string
		providerMeta                          []byte
	)

	err := row.Scan(
		&s.ID,
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
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	s.StorageType = domain.StorageType(storageType)
	s.Source = domain.UploadSource(source)
	s.Strategy = domain.UploadStrategy(strategy)
	s.Status = domain.UploadStatus(status)
	s.Checksum = deref(checksum)
	s.FingerprintAlgo = deref(fpAlgo)
	s.FingerprintValue = deref(fpValue)
	s.NextExpectedRange = deref(nextRange)
	s.ProviderUploadID = deref(providerID)
	s.ProviderUploadURL = deref(providerURL)
	s.ErrorCode = deref(errorCode)
	s.ErrorMessage = deref(errorMessage)

	if s.ProviderMeta, err = decodeMeta(providerMeta); err != nil {
		return nil, err
	}
	return s, nil
}

// =============================================================================
// Helpers
// =============================================================================

// setBuilder numbers positional parameters while a query is assembled.
type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *setBuilder) add(format string, v any) {
	b.sets = append(b.sets, fmt.Sprintf(format, b.arg(v)))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeMeta(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider meta: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeMeta(data []byte) (map[string]string, error) {
	meta := make(map[string]string)
	if len(data) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode provider meta: %w", err)
	}
	return meta, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
