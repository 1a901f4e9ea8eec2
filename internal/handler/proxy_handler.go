package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/proxysign"
	"github.com/prn-tf/alexander-drives/internal/service"
)

// TokenVerifier verifies proxy URL tokens.
type TokenVerifier interface {
	Verify(token string) (*proxysign.Claims, error)
}

// ProxyHandler streams files named by signed proxy URLs through the mount's
// driver.
type ProxyHandler struct {
	verifier TokenVerifier
	mounts   service.MountResolver
	drivers  service.DriverProvider
	logger   zerolog.Logger
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(verifier TokenVerifier, mounts service.MountResolver, drivers service.DriverProvider, logger zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{
		verifier: verifier,
		mounts:   mounts,
		drivers:  drivers,
		logger:   logger.With().Str("handler", "proxy").Logger(),
	}
}

var errInvalidRange = errors.New("invalid range")

// ServeHTTP verifies the token and streams the file, honoring a single
// byte range when the driver supports it.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: APIError{
			Code:    "METHOD_NOT_ALLOWED",
			Message: "The specified method is not allowed against this resource.",
		}})
		return
	}

	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	_, cfg, err := h.mounts.Resolve(ctx, claims.MountID)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := h.drivers.Get(ctx, cfg)
	if err != nil {
		h.logger.Error().Err(err).Str("mount_id", claims.MountID).Msg("failed to create driver")
		writeError(w, err)
		return
	}

	desc, err := d.DownloadFile(ctx, claims.Path)
	if err != nil {
		h.logger.Debug().Err(err).Str("mount_id", claims.MountID).Str("sub_path", claims.Path).Msg("download failed")
		writeError(w, err)
		return
	}

	var rng *driver.ByteRange
	if v := r.Header.Get("Range"); v != "" && desc.SupportsRange {
		rng, err = parseRange(v, desc.Size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
			writeJSON(w, http.StatusRequestedRangeNotSatisfiable, errorEnvelope{Error: APIError{
				Code:    "INVALID_RANGE",
				Message: err.Error(),
			}})
			return
		}
	}

	header := w.Header()
	if desc.ContentType != "" {
		header.Set("Content-Type", desc.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	if desc.ETag != "" {
		header.Set("ETag", desc.ETag)
	}
	if desc.SupportsRange {
		header.Set("Accept-Ranges", "bytes")
	}

	status := http.StatusOK
	length := desc.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.Length(desc.Size)
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.Start+length-1, desc.Size))
	}
	if length >= 0 {
		header.Set("Content-Length", strconv.FormatInt(length, 10))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	body, err := desc.Fetch(ctx, rng)
	if err != nil {
		h.logger.Warn().Err(err).Str("mount_id", claims.MountID).Str("sub_path", claims.Path).Msg("failed to open file stream")
		header.Del("Content-Length")
		header.Del("Content-Range")
		writeError(w, err)
		return
	}
	defer body.Close()

	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug().Err(err).Str("sub_path", claims.Path).Msg("proxy stream interrupted")
	}
}

// parseRange parses a single "bytes=" range against a file of size bytes.
func parseRange(v string, size int64) (*driver.ByteRange, error) {
	spec, ok := strings.CutPrefix(v, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, errInvalidRange
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, errInvalidRange
	}

	if startStr == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, errInvalidRange
		}
		if n > size {
			n = size
		}
		return &driver.ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, errInvalidRange
	}
	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, errInvalidRange
		}
		if end >= size {
			end = size - 1
		}
	}
	return &driver.ByteRange{Start: start, End: end}, nil
}
