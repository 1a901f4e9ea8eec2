// Package driver defines the storage driver contract, the capability-qualified
// extension interfaces and the registry that builds driver instances from
// storage configs.
//
// Every backend implements Driver. Backends declaring DIRECT_LINK, PROXY,
// MULTIPART or PAGED_LIST additionally implement the matching extension
// interface. Callers obtain extensions through AsDirectLinker, AsProxier,
// AsMultipart and AsPagedLister, which fail fast with an
// UNSUPPORTED_OPERATION error instead of a runtime panic.
package driver

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// Driver is the uniform contract every storage backend implements.
// All paths are relative to the mount root.
type Driver interface {
	// Type returns the storage type the driver serves.
	Type() domain.StorageType

	// Capabilities returns the capabilities the driver declares.
	Capabilities() domain.CapabilitySet

	// ListDirectory lists the direct children of subPath.
	ListDirectory(ctx context.Context, subPath string, opts ListOptions) (*domain.DirectoryListing, error)

	// GetFileInfo returns metadata for one file or directory.
	GetFileInfo(ctx context.Context, subPath string) (*domain.FileInfo, error)

	// DownloadFile returns a descriptor used to stream the file, optionally by range.
	DownloadFile(ctx context.Context, subPath string) (*StreamDescriptor, error)

	// UploadFile stores the source at subPath with a single request.
	UploadFile(ctx context.Context, subPath string, src *UploadSource) (*UploadResult, error)

	// CreateDirectory creates subPath and any missing parents.
	CreateDirectory(ctx context.Context, subPath string) (*CreateDirectoryResult, error)

	// RenameItem moves source to target.
	RenameItem(ctx context.Context, source, target string) (*RenameResult, error)

	// CopyItem copies source to target.
	CopyItem(ctx context.Context, source, target string, opts CopyOptions) (*CopyResult, error)

	// BatchRemoveItems removes every path, reporting per-path outcomes.
	BatchRemoveItems(ctx context.Context, paths []string) (*BatchRemoveResult, error)
}

// DirectLinker is implemented by drivers declaring DIRECT_LINK.
type DirectLinker interface {
	// GenerateDownloadURL mints a time-limited URL served by the provider.
	GenerateDownloadURL(ctx context.Context, subPath string, opts LinkOptions) (*Link, error)
}

// Proxier is implemented by drivers declaring PROXY.
type Proxier interface {
	// GenerateProxyURL mints a same-origin URL streamed through this server.
	GenerateProxyURL(ctx context.Context, subPath string, opts LinkOptions) (*Link, error)
}

// PagedLister is implemented by drivers declaring PAGED_LIST.
type PagedLister interface {
	// ListPage returns one page of children starting at cursor.
	ListPage(ctx context.Context, subPath, cursor string, limit int) (*domain.DirectoryListing, error)
}

// MultipartUploader is implemented by drivers declaring MULTIPART.
//
// The driver only talks to the provider. Ledger bookkeeping belongs to the
// upload service, which persists every SessionHandle it receives so an upload
// can be resumed after a restart.
type MultipartUploader interface {
	// SmallFileThreshold is the size below which one direct request is used.
	SmallFileThreshold() int64

	// FrontendStrategy is the strategy browser uploads use on this backend.
	FrontendStrategy() domain.UploadStrategy

	// NormalizePartSize adjusts a requested part size to provider limits.
	NormalizePartSize(requested, fileSize int64) int64

	// CreateUploadSession opens a provider-side resumable session for subPath.
	CreateUploadSession(ctx context.Context, subPath string, req CreateSessionRequest) (*SessionHandle, error)

	// QuerySession returns the provider's view of the session progress.
	// A session the provider no longer knows yields ErrUploadSessionNotFound.
	QuerySession(ctx context.Context, handle *SessionHandle) (*SessionState, error)

	// SignParts returns client upload URLs for the requested part numbers.
	// Single-session providers return the session URL only.
	SignParts(ctx context.Context, handle *SessionHandle, partNumbers []int, expiry time.Duration) (*SignedParts, error)

	// UploadChunk sends one byte range through the session on behalf of the server.
	UploadChunk(ctx context.Context, handle *SessionHandle, chunk *Chunk) (*SessionState, error)

	// CompleteSession finalizes the session and returns the stored file.
	CompleteSession(ctx context.Context, handle *SessionHandle, parts []CompletedPart) (*domain.FileInfo, error)

	// AbortSession releases the provider-side session.
	AbortSession(ctx context.Context, handle *SessionHandle) error
}

// AsDirectLinker returns d as a DirectLinker or an UNSUPPORTED_OPERATION error.
func AsDirectLinker(d Driver) (DirectLinker, error) {
	if err := RequireCapability(d, domain.CapabilityDirectLink); err != nil {
		return nil, err
	}
	l, ok := d.(DirectLinker)
	if !ok {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityDirectLink)
	}
	return l, nil
}

// AsProxier returns d as a Proxier or an UNSUPPORTED_OPERATION error.
func AsProxier(d Driver) (Proxier, error) {
	if err := RequireCapability(d, domain.CapabilityProxy); err != nil {
		return nil, err
	}
	p, ok := d.(Proxier)
	if !ok {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityProxy)
	}
	return p, nil
}

// AsMultipart returns d as a MultipartUploader or an UNSUPPORTED_OPERATION error.
func AsMultipart(d Driver) (MultipartUploader, error) {
	if err := RequireCapability(d, domain.CapabilityMultipart); err != nil {
		return nil, err
	}
	m, ok := d.(MultipartUploader)
	if !ok {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityMultipart)
	}
	return m, nil
}

// AsPagedLister returns d as a PagedLister or an UNSUPPORTED_OPERATION error.
func AsPagedLister(d Driver) (PagedLister, error) {
	if err := RequireCapability(d, domain.CapabilityPagedList); err != nil {
		return nil, err
	}
	p, ok := d.(PagedLister)
	if !ok {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityPagedList)
	}
	return p, nil
}

// RequireCapability fails with UNSUPPORTED_OPERATION unless d declares c.
func RequireCapability(d Driver, c domain.Capability) error {
	if !d.Capabilities().Has(c) {
		return domain.NewUnsupportedError(d.Type(), c)
	}
	return nil
}
