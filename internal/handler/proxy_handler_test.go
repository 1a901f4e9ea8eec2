package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/proxysign"
)

// =============================================================================
// Fakes
// =============================================================================

// byteDriver serves DownloadFile from memory. Other Driver methods are not
// used by the proxy and panic through the nil embedded interface.
type byteDriver struct {
	driver.Driver
	files map[string][]byte
	etag  string
}

func (d *byteDriver) DownloadFile(ctx context.Context, subPath string) (*driver.StreamDescriptor, error) {
	data, ok := d.files[subPath]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return &driver.StreamDescriptor{
		Size:          int64(len(data)),
		ContentType:   "text/plain",
		ETag:          d.etag,
		SupportsRange: true,
		Fetch: func(ctx context.Context, rng *driver.ByteRange) (io.ReadCloser, error) {
			if rng == nil {
				return io.NopCloser(bytes.NewReader(data)), nil
			}
			n := rng.Length(int64(len(data)))
			return io.NopCloser(bytes.NewReader(data[rng.Start : rng.Start+n])), nil
		},
	}, nil
}

type staticMounts map[string]*domain.Mount

func (m staticMounts) Resolve(ctx context.Context, mountID string) (*domain.Mount, *domain.StorageConfig, error) {
	mount, ok := m[mountID]
	if !ok {
		return nil, nil, domain.ErrMountNotFound
	}
	return mount, &domain.StorageConfig{ID: mount.StorageConfigID, StorageType: domain.StorageTypeLocal}, nil
}

type staticDrivers struct {
	d driver.Driver
}

func (s staticDrivers) Get(ctx context.Context, cfg *domain.StorageConfig) (driver.Driver, error) {
	return s.d, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

const proxyContent = "0123456789abcdefghij"

func newProxyFixture(t *testing.T) (http.Handler, *proxysign.Signer) {
	t.Helper()
	signer, err := proxysign.NewSigner([]byte("0123456789abcdef0123"), "https://files.example/proxy", time.Minute)
	require.NoError(t, err)

	d := &byteDriver{files: map[string][]byte{"docs/a.txt": []byte(proxyContent)}, etag: `"v1"`}
	mounts := staticMounts{"m1": {ID: "m1", MountPath: "drive", StorageConfigID: "cfg-1"}}

	h := NewRouter(RouterConfig{
		UploadHandler: NewUploadHandler(new(mockUploadAPI), 0, zerolog.Nop()),
		ProxyHandler:  NewProxyHandler(signer, mounts, staticDrivers{d: d}, zerolog.Nop()),
		Logger:        zerolog.Nop(),
	}).Handler()
	return h, signer
}

func proxyTarget(t *testing.T, signer *proxysign.Signer, mountID, subPath string) string {
	t.Helper()
	signed, _, err := signer.SignProxyURL(mountID, subPath, 0)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	return "/proxy?token=" + url.QueryEscape(u.Query().Get("token"))
}

// =============================================================================
// Proxy Handler Tests
// =============================================================================

func TestProxyHandler_FullBody(t *testing.T) {
	h, signer := newProxyFixture(t)

	rec := doRequest(t, h, http.MethodGet, proxyTarget(t, signer, "m1", "docs/a.txt"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proxyContent, rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"v1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "20", rec.Header().Get("Content-Length"))
}

func TestProxyHandler_Range(t *testing.T) {
	h, signer := newProxyFixture(t)
	target := proxyTarget(t, signer, "m1", "docs/a.txt")

	rec := doRequest(t, h, http.MethodGet, target, nil, map[string]string{"Range": "bytes=5-9"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "56789", rec.Body.String())
	assert.Equal(t, "bytes 5-9/20", rec.Header().Get("Content-Range"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = doRequest(t, h, http.MethodGet, target, nil, map[string]string{"Range": "bytes=-3"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hij", rec.Body.String())
	assert.Equal(t, "bytes 17-19/20", rec.Header().Get("Content-Range"))

	rec = doRequest(t, h, http.MethodGet, target, nil, map[string]string{"Range": "bytes=15-"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "fghij", rec.Body.String())
}

func TestProxyHandler_RangeNotSatisfiable(t *testing.T) {
	h, signer := newProxyFixture(t)

	rec := doRequest(t, h, http.MethodGet, proxyTarget(t, signer, "m1", "docs/a.txt"), nil, map[string]string{"Range": "bytes=50-60"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */20", rec.Header().Get("Content-Range"))
}

func TestProxyHandler_Head(t *testing.T) {
	h, signer := newProxyFixture(t)

	rec := doRequest(t, h, http.MethodHead, proxyTarget(t, signer, "m1", "docs/a.txt"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "20", rec.Header().Get("Content-Length"))
}

func TestProxyHandler_Errors(t *testing.T) {
	h, signer := newProxyFixture(t)

	t.Run("bad token", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/proxy?token=garbage", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "INVALID_PROXY_TOKEN", decodeError(t, rec).Code)
	})

	t.Run("token from another key", func(t *testing.T) {
		other, err := proxysign.NewSigner([]byte("ffffffffffffffffffff"), "https://files.example/proxy", time.Minute)
		require.NoError(t, err)
		rec := doRequest(t, h, http.MethodGet, proxyTarget(t, other, "m1", "docs/a.txt"), nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown mount", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, proxyTarget(t, signer, "nope", "docs/a.txt"), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "MOUNT_NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("missing file", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, proxyTarget(t, signer, "m1", "docs/missing.txt"), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, domain.CodeItemNotFound, decodeError(t, rec).Code)
	})
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    *driver.ByteRange
		wantErr bool
	}{
		{name: "closed", header: "bytes=0-99", size: 1000, want: &driver.ByteRange{Start: 0, End: 99}},
		{name: "open ended", header: "bytes=900-", size: 1000, want: &driver.ByteRange{Start: 900, End: -1}},
		{name: "end clamped", header: "bytes=10-5000", size: 1000, want: &driver.ByteRange{Start: 10, End: 999}},
		{name: "suffix", header: "bytes=-100", size: 1000, want: &driver.ByteRange{Start: 900, End: 999}},
		{name: "suffix larger than file", header: "bytes=-5000", size: 1000, want: &driver.ByteRange{Start: 0, End: 999}},
		{name: "start past end", header: "bytes=1000-", size: 1000, wantErr: true},
		{name: "reversed", header: "bytes=50-10", size: 1000, wantErr: true},
		{name: "multiple ranges", header: "bytes=0-1,5-6", size: 1000, wantErr: true},
		{name: "wrong unit", header: "items=0-1", size: 1000, wantErr: true},
		{name: "zero suffix", header: "bytes=-0", size: 1000, wantErr: true},
		{name: "garbage", header: "bytes=abc", size: 1000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
