// Package onedrive implements the Microsoft OneDrive / SharePoint storage
// driver on top of the Microsoft Graph REST API.
//
// The driver keeps an in-memory access token per instance (see AuthManager)
// and persists nothing; resumable upload handles are returned to the caller
// for storage in the upload ledger.
package onedrive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
)

// directLinkTTL is how long Graph pre-authenticated download URLs stay valid.
const directLinkTTL = time.Hour

// Capabilities are the capabilities OneDrive declares.
var Capabilities = domain.NewCapabilitySet(
	domain.CapabilityReader,
	domain.CapabilityWriter,
	domain.CapabilityAtomic,
	domain.CapabilityProxy,
	domain.CapabilityDirectLink,
	domain.CapabilityMultipart,
	domain.CapabilityPagedList,
)

// Descriptor registers the OneDrive storage type.
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Type:         domain.StorageTypeOneDrive,
		DisplayName:  "Microsoft OneDrive",
		Capabilities: Capabilities,
		Schema:       Schema,
		Factory:      New,
	}
}

// Driver is the OneDrive storage driver.
type Driver struct {
	cfg    *Config
	client *GraphClient
	signer driver.URLSigner
	caps   domain.CapabilitySet
	logger zerolog.Logger
}

var (
	_ driver.Driver            = (*Driver)(nil)
	_ driver.DirectLinker      = (*Driver)(nil)
	_ driver.Proxier           = (*Driver)(nil)
	_ driver.PagedLister       = (*Driver)(nil)
	_ driver.MultipartUploader = (*Driver)(nil)
)

// New is the OneDrive driver factory.
func New(ctx context.Context, sc *domain.StorageConfig, deps driver.Deps) (driver.Driver, error) {
	cfg, err := ParseConfig(sc)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.With().Str("driver", "onedrive").Logger()
	retryCfg := retry.DefaultConfig()
	auth := NewAuthManager(cfg, deps.HTTPClient, retryCfg, deps.Metrics, logger)
	client := NewGraphClient(cfg, deps.HTTPClient, auth, retryCfg, deps.Metrics, logger)

	caps := Capabilities
	if deps.ProxySigner == nil {
		caps = domain.NewCapabilitySet(
			domain.CapabilityReader,
			domain.CapabilityWriter,
			domain.CapabilityAtomic,
			domain.CapabilityDirectLink,
			domain.CapabilityMultipart,
			domain.CapabilityPagedList,
		)
	}

	return &Driver{
		cfg:    cfg,
		client: client,
		signer: deps.ProxySigner,
		caps:   caps,
		logger: logger,
	}, nil
}

// Type implements driver.Driver.
func (d *Driver) Type() domain.StorageType { return domain.StorageTypeOneDrive }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() domain.CapabilitySet { return d.caps }

// remote maps a mount-relative path to a drive-relative path.
func (d *Driver) remote(subPath string) (string, error) {
	p, err := NormalizePath(subPath)
	if err != nil {
		return "", err
	}
	return JoinPath(d.cfg.RootFolder, p), nil
}

// relative strips the root folder from a drive-relative path.
func (d *Driver) relative(remotePath string) string {
	if d.cfg.RootFolder == "" {
		return remotePath
	}
	if remotePath == d.cfg.RootFolder {
		return ""
	}
	return remotePath[len(d.cfg.RootFolder)+1:]
}

func (d *Driver) toFileInfo(item *driveItem, relPath string) *domain.FileInfo {
	fi := &domain.FileInfo{
		Name:       item.Name,
		Path:       relPath,
		Type:       domain.ItemTypeFile,
		Size:       item.Size,
		ETag:       item.ETag,
		ModifiedAt: item.LastModifiedDateTime,
		ProviderID: item.ID,
	}
	if item.Folder != nil {
		fi.Type = domain.ItemTypeDirectory
	}
	if item.File != nil {
		fi.ContentType = item.File.MimeType
	}
	return fi
}

// ListDirectory implements driver.Driver. Without a cursor every page is
// fetched; with one a single page is returned.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.ListOptions) (*domain.DirectoryListing, error) {
	if opts.Cursor != "" {
		return d.ListPage(ctx, subPath, opts.Cursor, opts.Limit)
	}

	listing, err := d.ListPage(ctx, subPath, "", opts.Limit)
	if err != nil {
		return nil, err
	}
	for listing.HasMore && (opts.Limit <= 0 || len(listing.Items) < opts.Limit) {
		next, err := d.ListPage(ctx, subPath, listing.NextCursor, opts.Limit)
		if err != nil {
			return nil, err
		}
		listing.Items = append(listing.Items, next.Items...)
		listing.HasMore, listing.NextCursor = next.HasMore, next.NextCursor
	}
	return listing, nil
}

// ListPage implements driver.PagedLister.
func (d *Driver) ListPage(ctx context.Context, subPath, cursor string, limit int) (*domain.DirectoryListing, error) {
	rel, err := NormalizePath(subPath)
	if err != nil {
		return nil, err
	}
	remotePath := JoinPath(d.cfg.RootFolder, rel)
	if limit <= 0 {
		limit = d.cfg.PageSize
	}

	page, err := d.client.ListChildren(ctx, remotePath, cursor, limit)
	if err != nil {
		return nil, err
	}

	listing := &domain.DirectoryListing{
		Path:       "/" + rel,
		Type:       domain.ItemTypeDirectory,
		IsRoot:     rel == "",
		Items:      make([]*domain.FileInfo, 0, len(page.Value)),
		HasMore:    page.NextLink != "",
		NextCursor: page.NextLink,
	}
	for i := range page.Value {
		item := &page.Value[i]
		listing.Items = append(listing.Items, d.toFileInfo(item, JoinPath(rel, item.Name)))
	}
	return listing, nil
}

// GetFileInfo implements driver.Driver.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string) (*domain.FileInfo, error) {
	remotePath, err := d.remote(subPath)
	if err != nil {
		return nil, err
	}
	item, err := d.client.GetItem(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	return d.toFileInfo(item, d.relative(remotePath)), nil
}

// DownloadFile implements driver.Driver.
func (d *Driver) DownloadFile(ctx context.Context, subPath string) (*driver.StreamDescriptor, error) {
	remotePath, err := d.remote(subPath)
	if err != nil {
		return nil, err
	}
	item, err := d.client.GetItem(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if item.Folder != nil {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "cannot download a directory", subPath)
	}

	desc := &driver.StreamDescriptor{
		Size:          item.Size,
		ETag:          item.ETag,
		SupportsRange: true,
		Fetch: func(ctx context.Context, rng *driver.ByteRange) (io.ReadCloser, error) {
			header := ""
			if rng != nil {
				header = rng.HeaderValue()
			}
			return d.client.Download(ctx, remotePath, header)
		},
	}
	if item.File != nil {
		desc.ContentType = item.File.MimeType
	}
	return desc, nil
}

// UploadFile implements driver.Driver. Files above the simple upload limit
// are streamed through a transient upload session.
func (d *Driver) UploadFile(ctx context.Context, subPath string, src *driver.UploadSource) (*driver.UploadResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	remotePath, err := d.remote(subPath)
	if err != nil {
		return nil, err
	}

	if src.Size < 0 {
		return nil, domain.ErrInvalidFileSize
	}
	if src.Size <= simpleUploadLimit {
		if _, err := d.client.SimpleUpload(ctx, remotePath, src.Body, src.Size, src.ContentType); err != nil {
			return nil, err
		}
		return &driver.UploadResult{Success: true, StoragePath: d.relative(remotePath)}, nil
	}

	session, err := d.client.CreateUploadSession(ctx, remotePath, "replace")
	if err != nil {
		return nil, err
	}
	var offset int64
	for offset < src.Size {
		n := d.cfg.ChunkSize
		if remaining := src.Size - offset; remaining < n {
			n = remaining
		}
		_, item, err := d.client.UploadRange(ctx, session.UploadURL, io.LimitReader(src.Body, n), offset, n, src.Size)
		if err != nil {
			d.abortQuietly(session.UploadURL)
			return nil, err
		}
		offset += n
		if item != nil {
			break
		}
	}
	return &driver.UploadResult{Success: true, StoragePath: d.relative(remotePath)}, nil
}

func (d *Driver) abortQuietly(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.DeleteUploadSession(ctx, uploadURL); err != nil {
		d.logger.Warn().Err(err).Msg("failed to release upload session")
	}
}

// CreateDirectory implements driver.Driver. Missing parents are created.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string) (*driver.CreateDirectoryResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	rel, err := NormalizePath(subPath)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return &driver.CreateDirectoryResult{Success: true, Path: "/", AlreadyExists: true}, nil
	}

	parent := d.cfg.RootFolder
	existed := false
	for _, segment := range strings.Split(rel, "/") {
		_, err := d.client.CreateFolder(ctx, parent, segment)
		existed = errors.Is(err, domain.ErrItemAlreadyExists)
		if err != nil && !existed {
			return nil, err
		}
		parent = JoinPath(parent, segment)
	}
	return &driver.CreateDirectoryResult{Success: true, Path: "/" + rel, AlreadyExists: existed}, nil
}

// RenameItem implements driver.Driver.
func (d *Driver) RenameItem(ctx context.Context, source, target string) (*driver.RenameResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	src, err := d.remote(source)
	if err != nil {
		return nil, err
	}
	dst, err := d.remote(target)
	if err != nil {
		return nil, err
	}

	parent, name := splitPath(dst)
	if _, err := d.client.Move(ctx, src, parent, name); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: d.relative(src), Target: d.relative(dst)}, nil
}

// CopyItem implements driver.Driver.
func (d *Driver) CopyItem(ctx context.Context, source, target string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	src, err := d.remote(source)
	if err != nil {
		return nil, err
	}
	dst, err := d.remote(target)
	if err != nil {
		return nil, err
	}
	result := &driver.CopyResult{Source: d.relative(src), Target: d.relative(dst)}

	if opts.SkipExisting {
		_, err := d.client.GetItem(ctx, dst)
		if err == nil {
			result.Status = driver.CopyStatusSkipped
			result.Reason = "target exists"
			return result, nil
		}
		if !errors.Is(err, domain.ErrItemNotFound) {
			return nil, err
		}
	}

	parent, name := splitPath(dst)
	if err := d.client.Copy(ctx, src, parent, name); err != nil {
		result.Status = driver.CopyStatusFailed
		result.Message = err.Error()
		return result, err
	}
	result.Status = driver.CopyStatusSuccess
	return result, nil
}

// BatchRemoveItems implements driver.Driver.
func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	result := driver.NewBatchRemoveResult()
	for _, p := range paths {
		remotePath, err := d.remote(p)
		if err == nil && remotePath == d.cfg.RootFolder {
			err = domain.NewDomainError(domain.ErrInvalidPath, "refusing to remove the mount root", p)
		}
		if err == nil {
			err = d.client.Delete(ctx, remotePath)
		}
		result.Record(p, err)
	}
	return result, nil
}

// GenerateDownloadURL implements driver.DirectLinker with Graph's
// pre-authenticated download URL.
func (d *Driver) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.LinkOptions) (*driver.Link, error) {
	remotePath, err := d.remote(subPath)
	if err != nil {
		return nil, err
	}
	item, err := d.client.GetItem(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if item.DownloadURL == "" {
		return nil, domain.NewDriverError(nil, http.StatusBadGateway, domain.CodeProviderError, "provider returned no download url", nil)
	}

	ttl := directLinkTTL
	if opts.Expiry > 0 && opts.Expiry < ttl {
		ttl = opts.Expiry
	}
	return &driver.Link{URL: item.DownloadURL, ExpiresAt: time.Now().Add(ttl)}, nil
}

// GenerateProxyURL implements driver.Proxier.
func (d *Driver) GenerateProxyURL(ctx context.Context, subPath string, opts driver.LinkOptions) (*driver.Link, error) {
	if d.signer == nil {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityProxy)
	}
	rel, err := NormalizePath(subPath)
	if err != nil {
		return nil, err
	}
	u, expiresAt, err := d.signer.SignProxyURL(opts.MountID, rel, opts.Expiry)
	if err != nil {
		return nil, err
	}
	return &driver.Link{URL: u, ExpiresAt: expiresAt}, nil
}
