// Package local implements the storage driver for a directory on the
// server's disk. The filesystem is accessed through afero so that tests
// can run against an in-memory filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

const (
	settingRootPath   = "root_path"
	settingCreateRoot = "create_root"
)

// Schema declares the local storage settings.
var Schema = []driver.ConfigField{
	{Name: settingRootPath, Type: driver.FieldString, Required: true, Description: "Absolute directory used as the mount root"},
	{Name: settingCreateRoot, Type: driver.FieldBool, Default: false, Description: "Create the root directory when missing"},
}

// Capabilities are the capabilities local storage declares. Writes go to a
// temporary file that is renamed into place, so they are ATOMIC.
var Capabilities = domain.NewCapabilitySet(
	domain.CapabilityReader,
	domain.CapabilityWriter,
	domain.CapabilityAtomic,
	domain.CapabilityProxy,
)

// Descriptor registers the local storage type.
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Type:         domain.StorageTypeLocal,
		DisplayName:  "Local disk",
		Capabilities: Capabilities,
		Schema:       Schema,
		Factory:      New,
	}
}

// Driver is the local disk storage driver.
type Driver struct {
	fs     afero.Fs
	signer driver.URLSigner
	caps   domain.CapabilitySet
	logger zerolog.Logger
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Proxier = (*Driver)(nil)
)

// New is the local driver factory.
func New(ctx context.Context, sc *domain.StorageConfig, deps driver.Deps) (driver.Driver, error) {
	root := sc.String(settingRootPath)
	if root == "" || !filepath.IsAbs(root) {
		return nil, domain.NewConfigurationError("LOCAL: root_path must be an absolute path")
	}

	osFs := afero.NewOsFs()
	if sc.Bool(settingCreateRoot) {
		if err := osFs.MkdirAll(root, 0o755); err != nil {
			return nil, domain.NewConfigurationError(fmt.Sprintf("LOCAL: create root: %v", err))
		}
	}
	info, err := osFs.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, domain.NewConfigurationError(fmt.Sprintf("LOCAL: root_path %q is not a directory", root))
	}

	return NewWithFs(afero.NewBasePathFs(osFs, root), deps), nil
}

// NewWithFs creates a driver over an already rooted filesystem.
func NewWithFs(fsys afero.Fs, deps driver.Deps) *Driver {
	caps := Capabilities
	if deps.ProxySigner == nil {
		caps = domain.NewCapabilitySet(
			domain.CapabilityReader,
			domain.CapabilityWriter,
			domain.CapabilityAtomic,
		)
	}
	return &Driver{
		fs:     fsys,
		signer: deps.ProxySigner,
		caps:   caps,
		logger: deps.Logger.With().Str("driver", "local").Logger(),
	}
}

// Type implements driver.Driver.
func (d *Driver) Type() domain.StorageType { return domain.StorageTypeLocal }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() domain.CapabilitySet { return d.caps }

// resolve returns the cleaned relative path and its filesystem name.
func resolve(subPath string) (rel, name string, err error) {
	rel, err = driver.CleanPath(subPath)
	if err != nil {
		return "", "", err
	}
	return rel, "/" + rel, nil
}

// fsError maps a filesystem error to a DriverError.
func fsError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s %s", op, p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		e := domain.NewDriverError(domain.ErrItemNotFound, http.StatusNotFound, domain.CodeItemNotFound, msg, err)
		e.Expose = true
		return e
	case errors.Is(err, fs.ErrExist):
		e := domain.NewDriverError(domain.ErrItemAlreadyExists, http.StatusConflict, domain.CodeItemExists, msg, err)
		e.Expose = true
		return e
	case errors.Is(err, fs.ErrPermission):
		return domain.NewDriverError(nil, http.StatusForbidden, domain.CodeProviderError, msg, err)
	}
	return domain.NewDriverError(nil, http.StatusInternalServerError, domain.CodeProviderError, msg, err)
}

func toFileInfo(info os.FileInfo, rel string) *domain.FileInfo {
	fi := &domain.FileInfo{
		Name:       info.Name(),
		Path:       rel,
		Type:       domain.ItemTypeFile,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().UTC(),
	}
	if info.IsDir() {
		fi.Type = domain.ItemTypeDirectory
		fi.Size = 0
	}
	return fi
}

// ListDirectory implements driver.Driver. Entries are sorted by name; a
// limit truncates the listing and sets HasMore.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.ListOptions) (*domain.DirectoryListing, error) {
	rel, name, err := resolve(subPath)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(d.fs, name)
	if err != nil {
		return nil, fsError("list", subPath, err)
	}

	listing := &domain.DirectoryListing{
		Path:   "/" + rel,
		Type:   domain.ItemTypeDirectory,
		IsRoot: rel == "",
		Items:  make([]*domain.FileInfo, 0, len(entries)),
	}
	for _, e := range entries {
		if opts.Limit > 0 && len(listing.Items) == opts.Limit {
			listing.HasMore = true
			break
		}
		listing.Items = append(listing.Items, toFileInfo(e, driver.JoinPath(rel, e.Name())))
	}
	return listing, nil
}

// GetFileInfo implements driver.Driver.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string) (*domain.FileInfo, error) {
	rel, name, err := resolve(subPath)
	if err != nil {
		return nil, err
	}
	info, err := d.fs.Stat(name)
	if err != nil {
		return nil, fsError("stat", subPath, err)
	}
	fi := toFileInfo(info, rel)
	if rel == "" {
		fi.Name = "/"
	}
	return fi, nil
}

// readCloser pairs a limited reader with the file it reads from.
type readCloser struct {
	io.Reader
	io.Closer
}

// DownloadFile implements driver.Driver.
func (d *Driver) DownloadFile(ctx context.Context, subPath string) (*driver.StreamDescriptor, error) {
	_, name, err := resolve(subPath)
	if err != nil {
		return nil, err
	}
	info, err := d.fs.Stat(name)
	if err != nil {
		return nil, fsError("stat", subPath, err)
	}
	if info.IsDir() {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "cannot download a directory", subPath)
	}
	size := info.Size()

	return &driver.StreamDescriptor{
		Size:          size,
		SupportsRange: true,
		Fetch: func(ctx context.Context, rng *driver.ByteRange) (io.ReadCloser, error) {
			f, err := d.fs.Open(name)
			if err != nil {
				return nil, fsError("open", subPath, err)
			}
			if rng == nil {
				return f, nil
			}
			if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
				f.Close()
				return nil, fsError("seek", subPath, err)
			}
			return readCloser{Reader: io.LimitReader(f, rng.Length(size)), Closer: f}, nil
		},
	}, nil
}

// UploadFile implements driver.Driver. Content is written to a temporary
// file next to the target and renamed into place once complete.
func (d *Driver) UploadFile(ctx context.Context, subPath string, src *driver.UploadSource) (*driver.UploadResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	rel, name, err := resolve(subPath)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "upload target is the mount root", subPath)
	}

	dir, base := path.Split(name)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fsError("mkdir", dir, err)
	}

	tmp, err := afero.TempFile(d.fs, dir, "."+base+".*.tmp")
	if err != nil {
		return nil, fsError("create temp", subPath, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = d.fs.Remove(tmpName)
	}

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: src.Body})
	if err != nil {
		cleanup()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fsError("write", subPath, err)
	}
	if src.Size >= 0 && written != src.Size {
		cleanup()
		return nil, domain.NewDomainError(domain.ErrInvalidFileSize,
			fmt.Sprintf("expected %d bytes, received %d", src.Size, written), subPath)
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return nil, fsError("close", subPath, err)
	}
	if err := d.fs.Rename(tmpName, name); err != nil {
		_ = d.fs.Remove(tmpName)
		return nil, fsError("rename", subPath, err)
	}

	d.logger.Debug().Str("path", rel).Int64("size", written).Msg("file stored")
	return &driver.UploadResult{Success: true, StoragePath: rel}, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CreateDirectory implements driver.Driver.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string) (*driver.CreateDirectoryResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	rel, name, err := resolve(subPath)
	if err != nil {
		return nil, err
	}

	if info, err := d.fs.Stat(name); err == nil {
		if !info.IsDir() {
			return nil, domain.NewDomainError(domain.ErrNotADirectory, "a file exists at this path", subPath)
		}
		return &driver.CreateDirectoryResult{Success: true, Path: "/" + rel, AlreadyExists: true}, nil
	}
	if err := d.fs.MkdirAll(name, 0o755); err != nil {
		return nil, fsError("mkdir", subPath, err)
	}
	return &driver.CreateDirectoryResult{Success: true, Path: "/" + rel}, nil
}

// RenameItem implements driver.Driver. An existing target is not replaced.
func (d *Driver) RenameItem(ctx context.Context, source, target string) (*driver.RenameResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	srcRel, src, err := resolve(source)
	if err != nil {
		return nil, err
	}
	dstRel, dst, err := resolve(target)
	if err != nil {
		return nil, err
	}
	if srcRel == "" || dstRel == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "cannot rename the mount root", source)
	}

	if _, err := d.fs.Stat(src); err != nil {
		return nil, fsError("stat", source, err)
	}
	if _, err := d.fs.Stat(dst); err == nil {
		return nil, fsError("rename", target, fs.ErrExist)
	}
	if err := d.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return nil, fsError("mkdir", target, err)
	}
	if err := d.fs.Rename(src, dst); err != nil {
		return nil, fsError("rename", source, err)
	}
	return &driver.RenameResult{Success: true, Source: srcRel, Target: dstRel}, nil
}

// CopyItem implements driver.Driver. Directories are copied recursively.
func (d *Driver) CopyItem(ctx context.Context, source, target string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	srcRel, src, err := resolve(source)
	if err != nil {
		return nil, err
	}
	dstRel, dst, err := resolve(target)
	if err != nil {
		return nil, err
	}
	result := &driver.CopyResult{Source: srcRel, Target: dstRel}

	if opts.SkipExisting {
		if _, err := d.fs.Stat(dst); err == nil {
			result.Status = driver.CopyStatusSkipped
			result.Reason = "target exists"
			return result, nil
		}
	}

	err = afero.Walk(d.fs, src, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out := dst + p[len(src):]
		if info.IsDir() {
			return d.fs.MkdirAll(out, 0o755)
		}
		return d.copyFile(p, out)
	})
	if err != nil {
		result.Status = driver.CopyStatusFailed
		mapped := fsError("copy", source, err)
		result.Message = mapped.Error()
		return result, mapped
	}
	result.Status = driver.CopyStatusSuccess
	return result, nil
}

func (d *Driver) copyFile(src, dst string) error {
	in, err := d.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := d.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := d.fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// BatchRemoveItems implements driver.Driver. Directories are removed with
// their contents.
func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	result := driver.NewBatchRemoveResult()
	for _, p := range paths {
		rel, name, err := resolve(p)
		if err == nil && rel == "" {
			err = domain.NewDomainError(domain.ErrInvalidPath, "refusing to remove the mount root", p)
		}
		if err == nil {
			if _, statErr := d.fs.Stat(name); statErr != nil {
				err = fsError("remove", p, statErr)
			} else if rmErr := d.fs.RemoveAll(name); rmErr != nil {
				err = fsError("remove", p, rmErr)
			}
		}
		result.Record(p, err)
	}
	return result, nil
}

// GenerateProxyURL implements driver.Proxier.
func (d *Driver) GenerateProxyURL(ctx context.Context, subPath string, opts driver.LinkOptions) (*driver.Link, error) {
	if d.signer == nil {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityProxy)
	}
	rel, _, err := resolve(subPath)
	if err != nil {
		return nil, err
	}
	u, expiresAt, err := d.signer.SignProxyURL(opts.MountID, rel, opts.Expiry)
	if err != nil {
		return nil, err
	}
	return &driver.Link{URL: u, ExpiresAt: expiresAt}, nil
}
