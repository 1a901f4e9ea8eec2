package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

const partColumns = `id, upload_id, part_no, byte_start, byte_end, size, checksum_algo, checksum,
	storage_type, provider_part_id, provider_meta, status, error_code, error_message, created_at, updated_at`

// uploadPartRepository implements repository.UploadPartRepository.
type uploadPartRepository struct {
	db *DB
}

// NewUploadPartRepository creates a new PostgreSQL upload part repository.
func NewUploadPartRepository(db *DB) repository.UploadPartRepository {
	return &uploadPartRepository{db: db}
}

// Upsert inserts a part or refreshes an existing (upload_id, part_no) row.
// The byte range of an existing row is kept and its checksum is only set once.
func (r *uploadPartRepository) Upsert(ctx context.Context, p *domain.UploadPart) error {
	query := `
		INSERT INTO upload_parts (` + partColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (upload_id, part_no) DO UPDATE SET
			checksum_algo = COALESCE(upload_parts.checksum_algo, EXCLUDED.checksum_algo),
			checksum = COALESCE(upload_parts.checksum, EXCLUDED.checksum),
			provider_part_id = EXCLUDED.provider_part_id,
			provider_meta = EXCLUDED.provider_meta,
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	meta, err := encodeMeta(p.ProviderMeta)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = r.db.Pool.Exec(ctx, query,
		p.ID,
		p.UploadID,
		p.PartNo,
		p.ByteStart,
		p.ByteEnd,
		p.Size,
		nullable(p.ChecksumAlgo),
		nullable(p.Checksum),
		string(p.StorageType),
		nullable(p.ProviderPartID),
		meta,
		string(p.Status),
		nullable(p.ErrorCode),
		nullable(p.ErrorMessage),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrUploadSessionNotFound
		}
		return fmt.Errorf("failed to upsert upload part: %w", err)
	}
	return nil
}

// ListByUpload returns the parts of one upload ordered by part number.
func (r *uploadPartRepository) ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]*domain.UploadPart, error) {
	query := `SELECT ` + partColumns + ` FROM upload_parts WHERE upload_id = $1 ORDER BY part_no ASC`

	rows, err := r.db.Pool.Query(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload parts: %w", err)
	}
	defer rows.Close()

	var parts []*domain.UploadPart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upload parts: %w", err)
	}
	return parts, nil
}

// UpdateStatus changes the status and error fields of one part.
func (r *uploadPartRepository) UpdateStatus(ctx context.Context, uploadID uuid.UUID, partNo int, status domain.PartStatus, errorCode, errorMessage string) error {
	query := `
		UPDATE upload_parts
		SET status = $1, error_code = $2, error_message = $3, updated_at = $4
		WHERE upload_id = $5 AND part_no = $6
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		string(status),
		nullable(errorCode),
		nullable(errorMessage),
		time.Now().UTC(),
		uploadID,
		partNo,
	)
	if err != nil {
		return fmt.Errorf("failed to update upload part: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteByUpload removes every part of an upload.
func (r *uploadPartRepository) DeleteByUpload(ctx context.Context, uploadID uuid.UUID) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM upload_parts WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("failed to delete upload parts: %w", err)
	}
	return nil
}

func scanPart(row pgx.Row) (*domain.UploadPart, error) {
	p := &domain.UploadPart{}
	var (
		storageType, status                    string
		checksumAlgo, checksum, providerPartID *string
		errorCode, errorMessage                *string
		providerMeta                           []byte
	)

	err := row.Scan(
		&p.ID,
		&p.UploadID,
		&p.PartNo,
		&p.ByteStart,
		&p.ByteEnd,
		&p.Size,
		&checksumAlgo,
		&checksum,
		&storageType,
		&providerPartID,
		&providerMeta,
		&status,
		&errorCode,
		&errorMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.StorageType = domain.StorageType(storageType)
	p.Status = domain.PartStatus(status)
	p.ChecksumAlgo = deref(checksumAlgo)
	p.Checksum = deref(checksum)
	p.ProviderPartID = deref(providerPartID)
	p.ErrorCode = deref(errorCode)
	p.ErrorMessage = deref(errorMessage)

	if p.ProviderMeta, err = decodeMeta(providerMeta); err != nil {
		return nil, err
	}
	return p, nil
}
