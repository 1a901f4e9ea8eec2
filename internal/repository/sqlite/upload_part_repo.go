package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

const partColumns = `id, upload_id, part_no, byte_start, byte_end, size, checksum_algo, checksum,
	storage_type, provider_part_id, provider_meta, status, error_code, error_message, created_at, updated_at`

// uploadPartRepository implements repository.UploadPartRepository for SQLite.
type uploadPartRepository struct {
	db *DB
}

// NewUploadPartRepository creates a new SQLite upload part repository.
func NewUploadPartRepository(db *DB) repository.UploadPartRepository {
	return &uploadPartRepository{db: db}
}

// Upsert inserts a part or refreshes an existing (upload_id, part_no) row.
// The byte range of an existing row is kept and its checksum is only set once.
func (r *uploadPartRepository) Upsert(ctx context.Context, p *domain.UploadPart) error {
	query := `INSERT INTO upload_parts (` + partColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, part_no) DO UPDATE SET
			checksum_algo = COALESCE(upload_parts.checksum_algo, excluded.checksum_algo),
			checksum = COALESCE(upload_parts.checksum, excluded.checksum),
			provider_part_id = excluded.provider_part_id,
			provider_meta = excluded.provider_meta,
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`

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

	_, err = r.db.ExecContext(ctx, query,
		p.ID.String(),
		p.UploadID.String(),
		p.PartNo,
		p.ByteStart,
		p.ByteEnd,
		p.Size,
		nullString(p.ChecksumAlgo),
		nullString(p.Checksum),
		string(p.StorageType),
		nullString(p.ProviderPartID),
		meta,
		string(p.Status),
		nullString(p.ErrorCode),
		nullString(p.ErrorMessage),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
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
	query := `SELECT ` + partColumns + ` FROM upload_parts WHERE upload_id = ? ORDER BY part_no ASC`

	rows, err := r.db.QueryContext(ctx, query, uploadID.String())
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
	query := `UPDATE upload_parts
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE upload_id = ? AND part_no = ?`

	res, err := r.db.ExecContext(ctx, query,
		string(status),
		nullString(errorCode),
		nullString(errorMessage),
		formatTime(time.Now().UTC()),
		uploadID.String(),
		partNo,
	)
	if err != nil {
		return fmt.Errorf("failed to update upload part: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteByUpload removes every part of an upload.
func (r *uploadPartRepository) DeleteByUpload(ctx context.Context, uploadID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID.String())
	if err != nil {
		return fmt.Errorf("failed to delete upload parts: %w", err)
	}
	return nil
}

func scanPart(row rowScanner) (*domain.UploadPart, error) {
	p := &domain.UploadPart{}
	var (
		idStr, uploadIDStr, storageType, status string
		checksumAlgo, checksum, providerPartID  sql.NullString
		providerMeta, errorCode, errorMessage   sql.NullString
		createdAt, updatedAt                    string
	)

	err := row.Scan(
		&idStr,
		&uploadIDStr,
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
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if p.UploadID, err = uuid.Parse(uploadIDStr); err != nil {
		return nil, err
	}
	p.StorageType = domain.StorageType(storageType)
	p.Status = domain.PartStatus(status)
	p.ChecksumAlgo = checksumAlgo.String
	p.Checksum = checksum.String
	p.ProviderPartID = providerPartID.String
	p.ErrorCode = errorCode.String
	p.ErrorMessage = errorMessage.String

	if p.ProviderMeta, err = decodeMeta(providerMeta); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return p, nil
}
