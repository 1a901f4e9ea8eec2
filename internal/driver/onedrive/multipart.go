package onedrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

const metaRemotePath = "remote_path"

// SmallFileThreshold implements driver.MultipartUploader.
func (d *Driver) SmallFileThreshold() int64 { return simpleUploadLimit }

// FrontendStrategy implements driver.MultipartUploader. Browsers PUT byte
// ranges straight to the Graph session URL.
func (d *Driver) FrontendStrategy() domain.UploadStrategy { return domain.StrategySingleSession }

// NormalizePartSize implements driver.MultipartUploader. Fragments must be
// multiples of 320 KiB and at most 60 MiB.
func (d *Driver) NormalizePartSize(requested, fileSize int64) int64 {
	if requested <= 0 {
		requested = d.cfg.ChunkSize
	}
	return alignChunk(requested)
}

// CreateUploadSession implements driver.MultipartUploader.
func (d *Driver) CreateUploadSession(ctx context.Context, subPath string, req driver.CreateSessionRequest) (*driver.SessionHandle, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	target, err := ResolveFilePath(subPath, req.FileName)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "upload target is the mount root", subPath)
	}
	remotePath := JoinPath(d.cfg.RootFolder, target)

	s, err := d.client.CreateUploadSession(ctx, remotePath, req.ConflictBehavior)
	if err != nil {
		return nil, err
	}

	d.logger.Debug().
		Str("sub_path", target).
		Int64("file_size", req.FileSize).
		Msg("upload session created")

	return &driver.SessionHandle{
		SubPath:   target,
		UploadURL: s.UploadURL,
		Meta:      map[string]string{metaRemotePath: remotePath},
		FileSize:  req.FileSize,
		PartSize:  d.NormalizePartSize(req.PartSize, req.FileSize),
		ExpiresAt: s.ExpirationDateTime,
	}, nil
}

// QuerySession implements driver.MultipartUploader. A session Graph no
// longer knows counts as finished when the target already holds a file of
// the expected size, since Graph drops sessions once the last byte arrives.
func (d *Driver) QuerySession(ctx context.Context, h *driver.SessionHandle) (*driver.SessionState, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}

	s, err := d.client.QueryUploadSession(ctx, h.UploadURL)
	if err != nil {
		if errors.Is(err, domain.ErrUploadSessionNotFound) {
			if st := d.finishedState(ctx, h); st != nil {
				return st, nil
			}
		}
		return nil, err
	}
	return stateFromSession(s, h), nil
}

func (d *Driver) finishedState(ctx context.Context, h *driver.SessionHandle) *driver.SessionState {
	remotePath, err := d.remote(h.SubPath)
	if err != nil {
		return nil
	}
	item, err := d.client.GetItem(ctx, remotePath)
	if err != nil || item.File == nil || item.Size != h.FileSize {
		return nil
	}
	return &driver.SessionState{
		BytesUploaded: h.FileSize,
		Finished:      true,
		Item:          &driver.SessionItem{ID: item.ID, Size: item.Size, ETag: item.ETag},
	}
}

// SignParts implements driver.MultipartUploader. OneDrive has one session
// URL for the whole file, so only that URL is returned.
func (d *Driver) SignParts(ctx context.Context, h *driver.SessionHandle, partNumbers []int, expiry time.Duration) (*driver.SignedParts, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}
	return &driver.SignedParts{UploadURL: h.UploadURL, ExpiresAt: h.ExpiresAt}, nil
}

// UploadChunk implements driver.MultipartUploader.
func (d *Driver) UploadChunk(ctx context.Context, h *driver.SessionHandle, chunk *driver.Chunk) (*driver.SessionState, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}
	if chunk.Length <= 0 || chunk.Offset < 0 || chunk.Offset+chunk.Length > h.FileSize {
		return nil, domain.ErrInvalidPartSize
	}

	s, item, err := d.client.UploadRange(ctx, h.UploadURL, chunk.Body, chunk.Offset, chunk.Length, h.FileSize)
	if err != nil {
		var de *domain.DriverError
		if errors.As(err, &de) && de.Status == http.StatusRequestedRangeNotSatisfiable {
			// The provider already holds this range; resync from its view.
			return d.QuerySession(ctx, h)
		}
		return nil, err
	}
	if item != nil {
		return &driver.SessionState{
			BytesUploaded: h.FileSize,
			Finished:      true,
			Item:          &driver.SessionItem{ID: item.ID, Size: item.Size, ETag: item.ETag},
		}, nil
	}
	return stateFromSession(s, h), nil
}

// CompleteSession implements driver.MultipartUploader. Graph commits the
// file when the last range arrives, so completion only verifies that.
func (d *Driver) CompleteSession(ctx context.Context, h *driver.SessionHandle, parts []driver.CompletedPart) (*domain.FileInfo, error) {
	state, err := d.QuerySession(ctx, h)
	if err != nil {
		return nil, err
	}
	if !state.Finished {
		return nil, domain.NewDomainError(domain.ErrUploadIncomplete,
			fmt.Sprintf("%d of %d bytes received", state.BytesUploaded, h.FileSize), h.SubPath)
	}
	return d.GetFileInfo(ctx, h.SubPath)
}

// AbortSession implements driver.MultipartUploader. A session that is
// already gone counts as released.
func (d *Driver) AbortSession(ctx context.Context, h *driver.SessionHandle) error {
	if h == nil || h.UploadURL == "" {
		return nil
	}
	err := d.client.DeleteUploadSession(ctx, h.UploadURL)
	if err != nil && domain.IsSessionGone(err) {
		return nil
	}
	return err
}

func checkHandle(h *driver.SessionHandle) error {
	if h == nil || h.UploadURL == "" {
		return domain.NewSessionNotFoundError("upload session handle is missing", nil)
	}
	if h.ExpiresAt != nil && time.Now().After(*h.ExpiresAt) {
		return domain.NewSessionExpiredError("upload session expired at "+h.ExpiresAt.UTC().Format(time.RFC3339), nil)
	}
	return nil
}

func stateFromSession(s *uploadSession, h *driver.SessionHandle) *driver.SessionState {
	st := &driver.SessionState{
		NextExpectedRanges: s.NextExpectedRanges,
		ExpiresAt:          s.ExpirationDateTime,
	}
	if st.ExpiresAt == nil {
		st.ExpiresAt = h.ExpiresAt
	}
	if len(s.NextExpectedRanges) == 0 {
		st.BytesUploaded = h.FileSize
		return st
	}
	st.BytesUploaded = rangeStart(s.NextExpectedRanges[0])
	return st
}

// rangeStart parses the first offset of a "start-end" or "start-" range.
func rangeStart(r string) int64 {
	start, _, _ := strings.Cut(r, "-")
	n, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
