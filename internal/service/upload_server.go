package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

const fingerprintAlgo = crypto.FingerprintAlgoSHA256

// UploadFileInput contains the data needed for a server-mediated upload.
type UploadFileInput struct {
	MountID string

	// SubPath is the target directory relative to the mount root.
	SubPath string

	FileName string
	Size     int64
	MimeType string
	PartSize int64

	// Checksum is an optional hex SHA-256 of the content.
	Checksum string

	Body io.Reader

	UserID   string
	UserType string
}

// ResumeUploadInput contains the data needed to continue a server-mediated
// upload. Body is the whole file; it is positioned at the provider offset.
type ResumeUploadInput struct {
	MountID  string
	UploadID string
	Body     io.ReadSeeker
}

// UploadFileOutput contains the result of a server-mediated upload.
type UploadFileOutput struct {
	UploadID    string                `json:"uploadId"`
	Strategy    domain.UploadStrategy `json:"strategy"`
	StoragePath string                `json:"storagePath"`
	Size        int64                 `json:"size"`
	ETag        string                `json:"etag,omitempty"`
	Checksum    string                `json:"checksum,omitempty"`
}

// UploadFile streams a file to the mount. Files below the driver's small
// file threshold, or on drivers without MULTIPART, are sent with one
// request. Larger files go through a provider session recorded in the
// ledger so a failed transfer can be continued with ResumeUpload.
func (s *UploadService) UploadFile(ctx context.Context, input UploadFileInput) (*UploadFileOutput, error) {
	if input.FileName == "" || input.Body == nil {
		return nil, ErrMissingRequiredParams
	}
	if input.Size < 0 {
		return nil, domain.ErrInvalidFileSize
	}

	t, err := s.resolve(ctx, input.MountID)
	if err != nil {
		return nil, err
	}
	if err := driver.RequireCapability(t.driver, domain.CapabilityWriter); err != nil {
		return nil, err
	}

	hr := crypto.NewHashReader(input.Body)

	mp, err := driver.AsMultipart(t.driver)
	if err != nil || input.Size < mp.SmallFileThreshold() {
		return s.uploadDirect(ctx, t, input, hr)
	}
	return s.uploadSession(ctx, t, mp, input, hr)
}

func (s *UploadService) newServerSession(t *target, input UploadFileInput, subPath string, partSize int64, strategy domain.UploadStrategy) *domain.UploadSession {
	sess := domain.NewUploadSession(fsPath(t.mount, subPath), input.FileName, input.Size, partSize, strategy)
	sess.UserID = input.UserID
	sess.UserType = input.UserType
	sess.StorageType = t.config.StorageType
	sess.StorageConfigID = t.config.ID
	sess.MountID = t.mount.ID
	sess.Source = domain.UploadSourceServer
	sess.MimeType = input.MimeType
	sess.Checksum = input.Checksum
	return sess
}

func (s *UploadService) uploadDirect(ctx context.Context, t *target, input UploadFileInput, hr *crypto.HashReader) (*UploadFileOutput, error) {
	subPath, err := targetPath(input.SubPath, input.FileName)
	if err != nil {
		return nil, err
	}

	sess := s.newServerSession(t, input, subPath, input.Size, domain.StrategyDirect)
	sess.ProviderMeta[metaSubPath] = subPath
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logger.Error().Err(err).Str("sub_path", subPath).Msg("failed to create upload session")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	s.metrics.RecordSessionStatus(string(sess.Strategy), string(sess.Status))

	res, err := t.driver.UploadFile(ctx, subPath, &driver.UploadSource{
		Body:        hr,
		Size:        input.Size,
		ContentType: input.MimeType,
	})
	if err != nil {
		s.markFailed(ctx, sess, err)
		return nil, err
	}

	fingerprint := hr.SHA256()
	if err := s.verifyChecksum(ctx, sess, fingerprint); err != nil {
		return nil, err
	}
	if err := s.markCompleted(ctx, sess, fingerprint); err != nil {
		return nil, err
	}

	storagePath := sess.FSPath
	if res != nil && res.StoragePath != "" {
		storagePath = fsPath(t.mount, res.StoragePath)
	}
	return &UploadFileOutput{
		UploadID:    sess.ID.String(),
		Strategy:    sess.Strategy,
		StoragePath: storagePath,
		Size:        input.Size,
		Checksum:    fingerprint,
	}, nil
}

func (s *UploadService) uploadSession(ctx context.Context, t *target, mp driver.MultipartUploader, input UploadFileInput, hr *crypto.HashReader) (*UploadFileOutput, error) {
	partSize := mp.NormalizePartSize(s.requestedPartSize(input.PartSize), input.Size)
	if partSize <= 0 {
		return nil, domain.ErrInvalidPartSize
	}

	h, err := retry.DoWithResult(ctx, s.retry, func() (*driver.SessionHandle, error) {
		return mp.CreateUploadSession(ctx, input.SubPath, driver.CreateSessionRequest{
			FileName:    input.FileName,
			FileSize:    input.Size,
			PartSize:    partSize,
			ContentType: input.MimeType,
		})
	})
	if err != nil {
		return nil, err
	}
	if h.PartSize > 0 {
		partSize = h.PartSize
	}

	sess := s.newServerSession(t, input, h.SubPath, partSize, mp.FrontendStrategy())
	s.recordHandle(sess, h)
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logger.Error().Err(err).Str("upload_id", sess.ID.String()).Msg("failed to create upload session")
		if abortErr := mp.AbortSession(ctx, h); abortErr != nil {
			s.logger.Warn().Err(abortErr).Msg("failed to release provider session")
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	s.metrics.RecordSessionStatus(string(sess.Strategy), string(sess.Status))
	if s.scheduler != nil && sess.ExpiresAt != nil {
		s.scheduler.ScheduleExpiry(sess.ID, *sess.ExpiresAt)
	}

	s.logger.Info().
		Str("upload_id", sess.ID.String()).
		Str("mount_id", sess.MountID).
		Str("strategy", string(sess.Strategy)).
		Int64("file_size", sess.FileSize).
		Int64("part_size", sess.PartSize).
		Msg("server upload started")

	return s.transfer(ctx, sess, mp, hr, 0, hr)
}

// ResumeUpload continues a server-mediated upload from the offset the
// provider reports.
func (s *UploadService) ResumeUpload(ctx context.Context, input ResumeUploadInput) (*UploadFileOutput, error) {
	if input.Body == nil {
		return nil, ErrMissingRequiredParams
	}

	sess, err := s.load(ctx, input.MountID, input.UploadID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}
	if sess.Strategy == domain.StrategyDirect {
		return nil, domain.NewDomainError(domain.ErrUploadSessionNotFound, "single request uploads cannot be resumed", input.UploadID)
	}

	_, mp, err := s.resolveMultipart(ctx, sess.MountID)
	if err != nil {
		return nil, err
	}

	var offset int64
	err = s.withSessionLock(ctx, sess.ID.String(), func(ctx context.Context) error {
		updated, state, err := s.refresh(ctx, sess, mp)
		if err != nil {
			return err
		}
		sess = updated
		offset = state.BytesUploaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	if offset > sess.FileSize {
		offset = sess.FileSize
	}
	if _, err := input.Body.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek upload body: %w", err)
	}

	s.logger.Info().
		Str("upload_id", sess.ID.String()).
		Int64("bytes_uploaded", offset).
		Msg("resuming server upload")

	return s.transfer(ctx, sess, mp, input.Body, offset, nil)
}

// transfer sends body from offset through the provider session, recording
// progress after every chunk, then completes the session. hr is set when
// body is the whole file so its fingerprint can be recorded.
func (s *UploadService) transfer(ctx context.Context, sess *domain.UploadSession, mp driver.MultipartUploader, body io.Reader, offset int64, hr *crypto.HashReader) (*UploadFileOutput, error) {
	h := handleOf(sess)
	buf := make([]byte, sess.PartSize)

	var state *driver.SessionState
	for offset < sess.FileSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		length := sess.PartSize
		if offset+length > sess.FileSize {
			length = sess.FileSize - offset
		}
		n, err := io.ReadFull(body, buf[:length])
		if err != nil {
			return nil, domain.NewDomainError(domain.ErrUploadIncomplete,
				fmt.Sprintf("source ended after %d of %d bytes", offset+int64(n), sess.FileSize), sess.ID.String())
		}

		chunk := &driver.Chunk{
			PartNumber: int(offset/sess.PartSize) + 1,
			Offset:     offset,
			Length:     length,
		}
		state, err = retry.DoWithResult(ctx, s.retry, func() (*driver.SessionState, error) {
			chunk.Body = bytes.NewReader(buf[:length])
			return mp.UploadChunk(ctx, h, chunk)
		})
		if err != nil {
			if domain.IsSessionGone(err) {
				s.markFailed(ctx, sess, err)
			} else if sess.Strategy == domain.StrategyChunked {
				s.recordPartFailure(ctx, sess, chunk.PartNumber, err)
			}
			s.logger.Warn().Err(err).
				Str("upload_id", sess.ID.String()).
				Int64("offset", offset).
				Msg("chunk upload failed")
			return nil, err
		}

		updated, err := s.applyStateLocked(ctx, sess.ID, state)
		if err != nil {
			return nil, err
		}
		sess = updated

		if state.Finished {
			break
		}

		sent := offset + length
		switch {
		case state.BytesUploaded > sent:
			// The provider already holds bytes past this chunk.
			if _, err := io.CopyN(io.Discard, body, state.BytesUploaded-sent); err != nil {
				return nil, fmt.Errorf("skip received bytes: %w", err)
			}
		case state.BytesUploaded < sent:
			return nil, domain.NewDomainError(domain.ErrUploadIncomplete,
				fmt.Sprintf("provider holds %d bytes after %d were sent, resume the upload", state.BytesUploaded, sent),
				sess.ID.String())
		}
		offset = state.BytesUploaded
	}

	if state == nil {
		st, err := retry.DoWithResult(ctx, s.retry, func() (*driver.SessionState, error) {
			return mp.QuerySession(ctx, h)
		})
		if err != nil {
			if domain.IsSessionGone(err) {
				s.markFailed(ctx, sess, err)
			}
			return nil, err
		}
		state = st
	}

	fingerprint := ""
	if hr != nil && hr.Size() == sess.FileSize {
		fingerprint = hr.SHA256()
		if err := s.verifyChecksum(ctx, sess, fingerprint); err != nil {
			if abortErr := mp.AbortSession(ctx, h); abortErr != nil {
				s.logger.Warn().Err(abortErr).Str("upload_id", sess.ID.String()).Msg("failed to release provider session")
			}
			return nil, err
		}
	}

	var info *domain.FileInfo
	err := s.withSessionLock(ctx, sess.ID.String(), func(ctx context.Context) error {
		var err error
		info, err = s.finish(ctx, sess, mp, completedPartsOf(state), fingerprint)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &UploadFileOutput{
		UploadID:    sess.ID.String(),
		Strategy:    sess.Strategy,
		StoragePath: sess.FSPath,
		Size:        info.Size,
		ETag:        info.ETag,
		Checksum:    fingerprint,
	}, nil
}

// recordPartFailure marks a part that could not be sent as failed. A part the
// ledger has not seen yet is inserted with its byte range. Completion later
// overwrites the status of every part the provider holds.
func (s *UploadService) recordPartFailure(ctx context.Context, sess *domain.UploadSession, partNo int, cause error) {
	if ctx.Err() != nil {
		return
	}
	code := domain.ErrorCodeProviderFailed
	var de *domain.DriverError
	if errors.As(cause, &de) && de.Code != "" {
		code = de.Code
	}

	err := s.withSessionLock(ctx, sess.ID.String(), func(ctx context.Context) error {
		err := s.parts.UpdateStatus(ctx, sess.ID, partNo, domain.PartStatusFailed, code, cause.Error())
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		part := domain.NewUploadPart(sess.ID, partNo, int64(partNo-1)*sess.PartSize, partSizeOf(sess, partNo))
		part.StorageType = sess.StorageType
		part.Status = domain.PartStatusFailed
		part.ErrorCode = code
		part.ErrorMessage = cause.Error()
		return s.parts.Upsert(ctx, part)
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("upload_id", sess.ID.String()).
			Int("part_no", partNo).
			Msg("failed to record part failure")
	}
}

// verifyChecksum fails the row when the caller declared a checksum the
// content does not match.
func (s *UploadService) verifyChecksum(ctx context.Context, sess *domain.UploadSession, fingerprint string) error {
	if sess.Checksum == "" || !crypto.ValidateSHA256(sess.Checksum) || strings.EqualFold(sess.Checksum, fingerprint) {
		return nil
	}
	err := domain.NewDomainError(domain.ErrChecksumMismatch,
		fmt.Sprintf("declared %s, received %s", sess.Checksum, fingerprint), sess.ID.String())
	s.markFailed(ctx, sess, err)
	return err
}
