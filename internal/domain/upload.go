package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the ledger state of an upload session.
type UploadStatus string

const (
	// UploadStatusInitiated is set when the session row is created.
	UploadStatusInitiated UploadStatus = "initiated"

	// UploadStatusUploading is set once progress has been observed.
	UploadStatusUploading UploadStatus = "uploading"

	// UploadStatusCompleted is terminal: the file exists at its target.
	UploadStatusCompleted UploadStatus = "completed"

	// UploadStatusAborted is terminal: the caller cancelled the upload.
	UploadStatusAborted UploadStatus = "aborted"

	// UploadStatusError is terminal: the provider session was lost or failed.
	UploadStatusError UploadStatus = "error"
)

// IsTerminal reports whether no transition may leave this status.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case UploadStatusCompleted, UploadStatusAborted, UploadStatusError:
		return true
	}
	return false
}

// IsActive reports whether the upload may still make progress.
func (s UploadStatus) IsActive() bool {
	return s == UploadStatusInitiated || s == UploadStatusUploading
}

// CanTransitionTo reports whether the ledger may move from s to next.
// Staying in the same non-terminal status is allowed so that progress
// refreshes can be written without a status change.
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	switch s {
	case UploadStatusInitiated:
		switch next {
		case UploadStatusInitiated, UploadStatusUploading, UploadStatusCompleted,
			UploadStatusAborted, UploadStatusError:
			return true
		}
	case UploadStatusUploading:
		switch next {
		case UploadStatusUploading, UploadStatusCompleted, UploadStatusAborted, UploadStatusError:
			return true
		}
	}
	return false
}

// ActiveUploadStatuses are the statuses a listing of resumable uploads returns.
var ActiveUploadStatuses = []UploadStatus{UploadStatusInitiated, UploadStatusUploading}

// UploadStrategy is the mechanism chosen for an upload.
type UploadStrategy string

const (
	// StrategyDirect is a single request upload performed by the server.
	StrategyDirect UploadStrategy = "direct"

	// StrategySingleSession is one provider session covering the whole file;
	// byte ranges are PUT sequentially into the same session URL.
	StrategySingleSession UploadStrategy = "single_session"

	// StrategyChunked is a client-driven upload of numbered parts, each with
	// its own provider URL.
	StrategyChunked UploadStrategy = "chunked"
)

// UploadSource says who initiated an upload.
type UploadSource string

const (
	// UploadSourceServer is a server-mediated streaming upload.
	UploadSourceServer UploadSource = "server"

	// UploadSourceFrontend is a browser-initiated direct-to-provider upload.
	UploadSourceFrontend UploadSource = "frontend"
)

// Ledger error codes stored in UploadSession.ErrorCode.
const (
	ErrorCodeSessionExpired  = "UPLOAD_SESSION_EXPIRED"
	ErrorCodeSessionNotFound = "UPLOAD_SESSION_NOT_FOUND"
	ErrorCodeProviderFailed  = "PROVIDER_ERROR"
)

// UploadSession is the durable record of one logical upload.
type UploadSession struct {
	ID uuid.UUID `json:"id"`

	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`

	StorageType     StorageType  `json:"storage_type"`
	StorageConfigID string       `json:"storage_config_id"`
	MountID         string       `json:"mount_id"`
	FSPath          string       `json:"fs_path"`
	Source          UploadSource `json:"source"`

	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`

	// Checksum and fingerprint allow cross-session dedup of identical content.
	Checksum         string `json:"checksum,omitempty"`
	FingerprintAlgo  string `json:"fingerprint_algo,omitempty"`
	FingerprintValue string `json:"fingerprint_value,omitempty"`

	Strategy   UploadStrategy `json:"strategy"`
	PartSize   int64          `json:"part_size"`
	TotalParts int            `json:"total_parts"`

	BytesUploaded     int64  `json:"bytes_uploaded"`
	UploadedParts     int    `json:"uploaded_parts"`
	NextExpectedRange string `json:"next_expected_range,omitempty"`

	// Provider session handle. Never returned to clients.
	ProviderUploadID  string            `json:"-"`
	ProviderUploadURL string            `json:"-"`
	ProviderMeta      map[string]string `json:"-"`

	Status       UploadStatus `json:"status"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewUploadSession creates a session row in the initiated state.
// Part count is derived from the file and part size and never changes.
func NewUploadSession(fsPath, fileName string, fileSize, partSize int64, strategy UploadStrategy) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:           uuid.New(),
		FSPath:       fsPath,
		FileName:     fileName,
		FileSize:     fileSize,
		Strategy:     strategy,
		PartSize:     partSize,
		TotalParts:   PartCount(fileSize, partSize),
		Status:       UploadStatusInitiated,
		ProviderMeta: make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsExpired reports whether the provider session handle has passed its expiry.
func (u *UploadSession) IsExpired(now time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.IsZero() && now.After(*u.ExpiresAt)
}

// CompletedAlignedParts returns how many whole parts are covered by the
// uploaded byte offset. A trailing partial part is not counted unless the
// whole file has been received.
func (u *UploadSession) CompletedAlignedParts() int {
	if u.PartSize <= 0 {
		return 0
	}
	if u.FileSize > 0 && u.BytesUploaded >= u.FileSize {
		return u.TotalParts
	}
	return int(u.BytesUploaded / u.PartSize)
}

// PartCount returns ceil(fileSize/partSize), never less than one.
func PartCount(fileSize, partSize int64) int {
	if partSize <= 0 || fileSize <= 0 {
		return 1
	}
	n := fileSize / partSize
	if fileSize%partSize != 0 {
		n++
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

// PartStatus is the ledger state of one numbered part.
type PartStatus string

const (
	PartStatusPending  PartStatus = "pending"
	PartStatusUploaded PartStatus = "uploaded"
	PartStatusFailed   PartStatus = "failed"
)

// UploadPart is one numbered chunk of an upload session.
type UploadPart struct {
	ID       uuid.UUID `json:"id"`
	UploadID uuid.UUID `json:"upload_id"`
	PartNo   int       `json:"part_no"`

	ByteStart int64 `json:"byte_start"`
	ByteEnd   int64 `json:"byte_end"`
	Size      int64 `json:"size"`

	ChecksumAlgo string `json:"checksum_algo,omitempty"`
	Checksum     string `json:"checksum,omitempty"`

	StorageType    StorageType       `json:"storage_type"`
	ProviderPartID string            `json:"provider_part_id,omitempty"`
	ProviderMeta   map[string]string `json:"-"`

	Status       PartStatus `json:"status"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUploadPart creates a part record for the given byte range.
func NewUploadPart(uploadID uuid.UUID, partNo int, byteStart, size int64) *UploadPart {
	now := time.Now().UTC()
	return &UploadPart{
		ID:        uuid.New(),
		UploadID:  uploadID,
		PartNo:    partNo,
		ByteStart: byteStart,
		ByteEnd:   byteStart + size - 1,
		Size:      size,
		Status:    PartStatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ValidatePartNumber checks a 1-based part number against the part count.
func ValidatePartNumber(partNumber, totalParts int) error {
	if partNumber < 1 || partNumber > totalParts {
		return ErrInvalidPartNumber
	}
	return nil
}
