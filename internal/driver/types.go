package driver

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ListOptions controls a directory listing.
type ListOptions struct {
	// Cursor resumes a paged listing.
	Cursor string

	// Limit caps the number of items returned; zero means backend default.
	Limit int
}

// ByteRange is an inclusive byte range. End < 0 means "to the end of file".
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered for a file of the given size.
func (r *ByteRange) Length(size int64) int64 {
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < r.Start {
		return 0
	}
	return end - r.Start + 1
}

// HeaderValue renders the range as an HTTP Range header value.
func (r *ByteRange) HeaderValue() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// FetchFunc opens the file content, optionally limited to a byte range.
type FetchFunc func(ctx context.Context, rng *ByteRange) (io.ReadCloser, error)

// StreamDescriptor describes a downloadable file.
type StreamDescriptor struct {
	Size          int64
	ContentType   string
	ETag          string
	SupportsRange bool
	Fetch         FetchFunc
}

// UploadSource is the content of a single-request upload.
type UploadSource struct {
	Body        io.Reader
	Size        int64
	ContentType string
}

// UploadResult is returned by UploadFile.
type UploadResult struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath"`
	Message     string `json:"message,omitempty"`
}

// CreateDirectoryResult is returned by CreateDirectory.
type CreateDirectoryResult struct {
	Success       bool   `json:"success"`
	Path          string `json:"path"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
}

// RenameResult is returned by RenameItem.
type RenameResult struct {
	Success bool   `json:"success"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

// CopyStatus is the outcome of a copy.
type CopyStatus string

const (
	CopyStatusSuccess CopyStatus = "success"
	CopyStatusSkipped CopyStatus = "skipped"
	CopyStatusFailed  CopyStatus = "failed"
)

// CopyOptions controls CopyItem.
type CopyOptions struct {
	// SkipExisting reports "skipped" instead of overwriting an existing target.
	SkipExisting bool
}

// CopyResult is returned by CopyItem.
type CopyResult struct {
	Status  CopyStatus `json:"status"`
	Source  string     `json:"source"`
	Target  string     `json:"target"`
	Message string     `json:"message,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// RemoveFailure is one failed path in a batch remove.
type RemoveFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// RemoveOutcome is the per-path result of a batch remove.
type RemoveOutcome struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchRemoveResult is returned by BatchRemoveItems.
type BatchRemoveResult struct {
	Success int             `json:"success"`
	Failed  []RemoveFailure `json:"failed"`
	Results []RemoveOutcome `json:"results"`
}

// Record adds the outcome for one path.
func (r *BatchRemoveResult) Record(path string, err error) {
	if err != nil {
		r.Failed = append(r.Failed, RemoveFailure{Path: path, Error: err.Error()})
		r.Results = append(r.Results, RemoveOutcome{Path: path, Success: false, Error: err.Error()})
		return
	}
	r.Success++
	r.Results = append(r.Results, RemoveOutcome{Path: path, Success: true})
}

// NewBatchRemoveResult returns an empty result with non-nil slices.
func NewBatchRemoveResult() *BatchRemoveResult {
	return &BatchRemoveResult{
		Failed:  []RemoveFailure{},
		Results: []RemoveOutcome{},
	}
}

// LinkOptions controls generated download and proxy links.
type LinkOptions struct {
	// Expiry bounds the link lifetime; zero means backend default.
	Expiry time.Duration

	// MountID scopes proxy links to a mount.
	MountID string

	// Download forces a Content-Disposition attachment.
	Download bool
}

// Link is a generated URL.
type Link struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// =============================================================================
// Multipart
// =============================================================================

// CreateSessionRequest opens a provider upload session.
type CreateSessionRequest struct {
	FileName    string
	FileSize    int64
	PartSize    int64
	ContentType string

	// ConflictBehavior is "replace", "rename" or "fail"; empty means replace.
	ConflictBehavior string
}

// SessionHandle is the opaque provider session handle kept in the ledger.
type SessionHandle struct {
	// SubPath is the target path relative to the mount root.
	SubPath string

	// UploadID is the provider's session identifier, when it has one.
	UploadID string

	// UploadURL is the provider's session URL, when it has one.
	UploadURL string

	// Meta carries any further provider state needed to resume.
	Meta map[string]string

	FileSize  int64
	PartSize  int64
	ExpiresAt *time.Time
}

// SessionState is the provider's report of session progress.
type SessionState struct {
	// BytesUploaded is the contiguous byte offset the provider has accepted.
	BytesUploaded int64

	// NextExpectedRanges lists byte ranges still missing, e.g. "1048576-".
	NextExpectedRanges []string

	// ExpiresAt is the provider session expiry, if reported.
	ExpiresAt *time.Time

	// Parts is set by providers with per-part introspection; nil otherwise.
	Parts []ProviderPart

	// Finished is set when the provider already assembled the file.
	Finished bool

	// Item is the stored file once Finished is set.
	Item *SessionItem
}

// SessionItem is the file produced by a finished session.
type SessionItem struct {
	ID   string
	Size int64
	ETag string
}

// ProviderPart is one part the provider reports as received.
type ProviderPart struct {
	PartNumber int
	Size       int64
	ETag       string
	Checksum   string
}

// PartURL is a client upload URL for one part.
type PartURL struct {
	PartNumber int       `json:"partNumber"`
	URL        string    `json:"url"`
	ByteStart  int64     `json:"byteStart"`
	ByteEnd    int64     `json:"byteEnd"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SignedParts is returned by SignParts.
type SignedParts struct {
	// UploadURL is the single session URL for single-session providers.
	UploadURL string

	// PartURLs is set by chunked providers.
	PartURLs []PartURL

	ExpiresAt *time.Time
}

// Chunk is one byte range sent by the server through a session.
type Chunk struct {
	PartNumber int
	Offset     int64
	Length     int64
	Body       io.Reader
}

// CompletedPart identifies a received part when completing a session.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
	Size       int64  `json:"size,omitempty"`
}
