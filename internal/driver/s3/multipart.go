package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

const metaKey = "key"

// SmallFileThreshold implements driver.MultipartUploader. Files below the
// minimum part size cannot be split and go up in one PutObject.
func (d *Driver) SmallFileThreshold() int64 { return minPartSize }

// FrontendStrategy implements driver.MultipartUploader.
func (d *Driver) FrontendStrategy() domain.UploadStrategy { return domain.StrategyChunked }

// NormalizePartSize implements driver.MultipartUploader. The result is within
// S3 part limits and small enough that the file needs at most 10000 parts.
func (d *Driver) NormalizePartSize(requested, fileSize int64) int64 {
	if requested <= 0 {
		requested = d.cfg.PartSize
	}
	size := clampPartSize(requested)
	if fileSize > 0 && domain.PartCount(fileSize, size) > maxParts {
		const mib = 1024 * 1024
		size = (fileSize + maxParts - 1) / maxParts
		size = (size + mib - 1) / mib * mib
	}
	return size
}

// targetKey resolves the object key of an upload. subPath may name the
// directory or already the full file path.
func (d *Driver) targetKey(subPath, fileName string) (string, error) {
	rel, err := driver.CleanPath(subPath)
	if err != nil {
		return "", err
	}
	if fileName != "" {
		name, err := driver.CleanPath(fileName)
		if err != nil || name != fileName {
			return "", domain.ErrInvalidPath
		}
		if _, last := driver.SplitPath(rel); last != fileName {
			rel = driver.JoinPath(rel, fileName)
		}
	}
	if rel == "" {
		return "", domain.NewDomainError(domain.ErrInvalidPath, "upload target is the mount root", subPath)
	}
	return driver.JoinPath(d.cfg.Prefix, rel), nil
}

func (d *Driver) handleKey(h *driver.SessionHandle) (string, error) {
	if k := h.Meta[metaKey]; k != "" {
		return k, nil
	}
	return d.key(h.SubPath)
}

// CreateUploadSession implements driver.MultipartUploader.
func (d *Driver) CreateUploadSession(ctx context.Context, subPath string, req driver.CreateSessionRequest) (*driver.SessionHandle, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	key, err := d.targetKey(subPath, req.FileName)
	if err != nil {
		return nil, err
	}

	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	}
	if req.ContentType != "" {
		in.ContentType = aws.String(req.ContentType)
	}

	start := time.Now()
	out, err := d.client.CreateMultipartUpload(ctx, in)
	if err = d.observe(ctx, "create_multipart_upload", start, err); err != nil {
		return nil, err
	}

	d.logger.Debug().
		Str("key", key).
		Int64("file_size", req.FileSize).
		Msg("multipart upload created")

	return &driver.SessionHandle{
		SubPath:  d.relative(key),
		UploadID: aws.ToString(out.UploadId),
		Meta:     map[string]string{metaKey: key},
		FileSize: req.FileSize,
		PartSize: d.NormalizePartSize(req.PartSize, req.FileSize),
	}, nil
}

func checkHandle(h *driver.SessionHandle) error {
	if h == nil || h.UploadID == "" {
		return domain.NewSessionNotFoundError("multipart upload id is missing", nil)
	}
	return nil
}

// listParts returns every part S3 holds for the upload, ordered by number.
func (d *Driver) listParts(ctx context.Context, key, uploadID string) ([]driver.ProviderPart, error) {
	var parts []driver.ProviderPart
	pager := s3.NewListPartsPaginator(d.client, &s3.ListPartsInput{
		Bucket:   aws.String(d.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for pager.HasMorePages() {
		start := time.Now()
		page, err := pager.NextPage(ctx)
		if err = d.observe(ctx, "list_parts", start, err); err != nil {
			return nil, err
		}
		for _, p := range page.Parts {
			parts = append(parts, driver.ProviderPart{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				Size:       aws.ToInt64(p.Size),
				ETag:       trimETag(p.ETag),
				Checksum:   aws.ToString(p.ChecksumSHA256),
			})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// contiguousBytes sums the sizes of parts 1..n without a gap.
func contiguousBytes(parts []driver.ProviderPart) int64 {
	var total int64
	next := 1
	for _, p := range parts {
		if p.PartNumber != next {
			break
		}
		total += p.Size
		next++
	}
	return total
}

// QuerySession implements driver.MultipartUploader. An upload S3 no longer
// knows counts as finished when the object already has the expected size.
func (d *Driver) QuerySession(ctx context.Context, h *driver.SessionHandle) (*driver.SessionState, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}
	key, err := d.handleKey(h)
	if err != nil {
		return nil, err
	}

	parts, err := d.listParts(ctx, key, h.UploadID)
	if err != nil {
		if errors.Is(err, domain.ErrUploadSessionNotFound) {
			if st := d.finishedState(ctx, key, h.FileSize); st != nil {
				return st, nil
			}
		}
		return nil, err
	}

	st := &driver.SessionState{
		BytesUploaded: contiguousBytes(parts),
		Parts:         parts,
	}
	if st.BytesUploaded < h.FileSize {
		st.NextExpectedRanges = []string{fmt.Sprintf("%d-", st.BytesUploaded)}
	}
	return st, nil
}

func (d *Driver) finishedState(ctx context.Context, key string, fileSize int64) *driver.SessionState {
	out, err := d.head(ctx, key)
	if err != nil || aws.ToInt64(out.ContentLength) != fileSize {
		return nil
	}
	return &driver.SessionState{
		BytesUploaded: fileSize,
		Finished:      true,
		Item:          &driver.SessionItem{ID: key, Size: fileSize, ETag: trimETag(out.ETag)},
	}
}

// partRange returns the inclusive byte range of a 1-based part.
func partRange(partNo int, partSize, fileSize int64) (int64, int64) {
	start := int64(partNo-1) * partSize
	end := min(start+partSize, fileSize) - 1
	return start, end
}

// SignParts implements driver.MultipartUploader with one presigned
// UploadPart URL per part.
func (d *Driver) SignParts(ctx context.Context, h *driver.SessionHandle, partNumbers []int, expiry time.Duration) (*driver.SignedParts, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}
	key, err := d.handleKey(h)
	if err != nil {
		return nil, err
	}
	if expiry <= 0 {
		expiry = defaultLinkExpiry
	}
	if expiry > maxLinkExpiry {
		expiry = maxLinkExpiry
	}
	total := domain.PartCount(h.FileSize, h.PartSize)
	expiresAt := time.Now().Add(expiry)

	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		if err := domain.ValidatePartNumber(n, total); err != nil {
			return nil, domain.NewDomainError(err, fmt.Sprintf("part %d of %d", n, total), h.SubPath)
		}
		req, err := d.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(d.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(h.UploadID),
			PartNumber: aws.Int32(int32(n)),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return nil, mapError(ctx, "presign_upload_part", err)
		}
		start, end := partRange(n, h.PartSize, h.FileSize)
		urls = append(urls, driver.PartURL{
			PartNumber: n,
			URL:        req.URL,
			ByteStart:  start,
			ByteEnd:    end,
			ExpiresAt:  expiresAt,
		})
	}
	return &driver.SignedParts{PartURLs: urls, ExpiresAt: &expiresAt}, nil
}

// UploadChunk implements driver.MultipartUploader. The chunk must cover
// exactly one part.
func (d *Driver) UploadChunk(ctx context.Context, h *driver.SessionHandle, chunk *driver.Chunk) (*driver.SessionState, error) {
	if err := checkHandle(h); err != nil {
		return nil, err
	}
	key, err := d.handleKey(h)
	if err != nil {
		return nil, err
	}
	total := domain.PartCount(h.FileSize, h.PartSize)
	if err := domain.ValidatePartNumber(chunk.PartNumber, total); err != nil {
		return nil, err
	}
	start, end := partRange(chunk.PartNumber, h.PartSize, h.FileSize)
	if chunk.Offset != start || chunk.Length != end-start+1 {
		return nil, domain.ErrInvalidPartSize
	}

	began := time.Now()
	_, err = d.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(h.UploadID),
		PartNumber:    aws.Int32(int32(chunk.PartNumber)),
		Body:          chunk.Body,
		ContentLength: aws.Int64(chunk.Length),
	}, unsignedPayload)
	if err = d.observe(ctx, "upload_part", began, err); err != nil {
		return nil, err
	}
	return d.QuerySession(ctx, h)
}

// CompleteSession implements driver.MultipartUploader. S3's own part
// listing is authoritative; parts named by the caller must all be present.
func (d *Driver) CompleteSession(ctx context.Context, h *driver.SessionHandle, parts []driver.CompletedPart) (*domain.FileInfo, error) {
	state, err := d.QuerySession(ctx, h)
	if err != nil {
		return nil, err
	}
	if state.Finished {
		return d.GetFileInfo(ctx, h.SubPath)
	}
	if state.BytesUploaded < h.FileSize {
		return nil, domain.NewDomainError(domain.ErrUploadIncomplete,
			fmt.Sprintf("%d of %d bytes received", state.BytesUploaded, h.FileSize), h.SubPath)
	}

	held := make(map[int]driver.ProviderPart, len(state.Parts))
	for _, p := range state.Parts {
		held[p.PartNumber] = p
	}
	for _, p := range parts {
		got, ok := held[p.PartNumber]
		if !ok || (p.ETag != "" && p.ETag != got.ETag) {
			return nil, domain.NewDomainError(domain.ErrUploadIncomplete,
				fmt.Sprintf("part %d is missing or changed", p.PartNumber), h.SubPath)
		}
	}

	total := domain.PartCount(h.FileSize, h.PartSize)
	completed := make([]types.CompletedPart, 0, total)
	for _, p := range state.Parts {
		if p.PartNumber > total {
			break
		}
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}

	key, err := d.handleKey(h)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	_, err = d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(h.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err = d.observe(ctx, "complete_multipart_upload", start, err); err != nil {
		return nil, err
	}
	return d.GetFileInfo(ctx, d.relative(key))
}

// AbortSession implements driver.MultipartUploader. An upload that is
// already gone counts as released.
func (d *Driver) AbortSession(ctx context.Context, h *driver.SessionHandle) error {
	if h == nil || h.UploadID == "" {
		return nil
	}
	key, err := d.handleKey(h)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(h.UploadID),
	})
	err = d.observe(ctx, "abort_multipart_upload", start, err)
	if err != nil && domain.IsSessionGone(err) {
		return nil
	}
	return err
}
