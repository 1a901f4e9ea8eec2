package s3

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

type stubSigner struct{}

func (stubSigner) SignProxyURL(mountID, subPath string, expiry time.Duration) (string, time.Time, error) {
	return "https://drives.example/api/proxy/" + mountID + "/" + subPath + "?token=t", time.Now().Add(expiry), nil
}

func newTestDriver(t *testing.T, signer driver.URLSigner) *Driver {
	t.Helper()
	d, err := New(context.Background(), &domain.StorageConfig{
		ID:          "s3",
		StorageType: domain.StorageTypeS3,
		Settings: map[string]any{
			"bucket":            "media",
			"endpoint":          "http://localhost:9000",
			"access_key_id":     "minio",
			"secret_access_key": "minio123",
			"root_prefix":       "root",
			"use_path_style":    true,
		},
	}, driver.Deps{Logger: zerolog.Nop(), ProxySigner: signer})
	require.NoError(t, err)
	return d.(*Driver)
}

func TestNew_Capabilities(t *testing.T) {
	d := newTestDriver(t, nil)
	require.Equal(t, domain.StorageTypeS3, d.Type())
	require.False(t, d.Capabilities().Has(domain.CapabilityProxy))
	require.False(t, d.Capabilities().Has(domain.CapabilityAtomic))
	require.True(t, d.Capabilities().Has(domain.CapabilityMultipart))

	withProxy := newTestDriver(t, stubSigner{})
	require.True(t, withProxy.Capabilities().Has(domain.CapabilityProxy))

	link, err := withProxy.GenerateProxyURL(context.Background(), "/a/b.txt", driver.LinkOptions{MountID: "m1", Expiry: time.Minute})
	require.NoError(t, err)
	require.Contains(t, link.URL, "/m1/a/b.txt")
}

func TestKeyMapping(t *testing.T) {
	d := newTestDriver(t, nil)

	key, err := d.key("/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, "root/docs/a.txt", key)
	require.Equal(t, "docs/a.txt", d.relative(key))
	require.Equal(t, "", d.relative("root"))

	_, err = d.key("../escape")
	require.ErrorIs(t, err, domain.ErrInvalidPath)

	require.Equal(t, "media/root/my%20docs/a.txt", d.copySource("root/my docs/a.txt"))
}

func TestTargetKey(t *testing.T) {
	d := newTestDriver(t, nil)

	key, err := d.targetKey("/docs", "a.bin")
	require.NoError(t, err)
	require.Equal(t, "root/docs/a.bin", key)

	key, err = d.targetKey("/docs/a.bin", "a.bin")
	require.NoError(t, err)
	require.Equal(t, "root/docs/a.bin", key)

	_, err = d.targetKey("/", "")
	require.ErrorIs(t, err, domain.ErrInvalidPath)
	_, err = d.targetKey("/docs", "x/y.bin")
	require.ErrorIs(t, err, domain.ErrInvalidPath)
}

func TestNormalizePartSize(t *testing.T) {
	d := newTestDriver(t, nil)

	require.EqualValues(t, minPartSize, d.NormalizePartSize(1024, 1_000_000))
	require.EqualValues(t, defaultPartSize, d.NormalizePartSize(0, 1_000_000))
	require.EqualValues(t, 16*1024*1024, d.NormalizePartSize(16*1024*1024, 1<<30))

	// 100 GiB at 5 MiB would need more than 10000 parts.
	size := d.NormalizePartSize(minPartSize, 100<<30)
	require.LessOrEqual(t, domain.PartCount(100<<30, size), maxParts)
	require.Zero(t, size%(1024*1024))

	require.Equal(t, domain.StrategyChunked, d.FrontendStrategy())
	require.EqualValues(t, minPartSize, d.SmallFileThreshold())
}

func TestContiguousBytes(t *testing.T) {
	parts := []driver.ProviderPart{
		{PartNumber: 1, Size: 10},
		{PartNumber: 2, Size: 10},
		{PartNumber: 4, Size: 10},
	}
	require.EqualValues(t, 20, contiguousBytes(parts))
	require.Zero(t, contiguousBytes([]driver.ProviderPart{{PartNumber: 2, Size: 10}}))
	require.Zero(t, contiguousBytes(nil))
}

func TestPartRange(t *testing.T) {
	start, end := partRange(1, 10, 25)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 9, end)

	start, end = partRange(3, 10, 25)
	require.EqualValues(t, 20, start)
	require.EqualValues(t, 24, end)
}

func TestSignParts(t *testing.T) {
	d := newTestDriver(t, nil)
	h := &driver.SessionHandle{
		SubPath:  "docs/a.bin",
		UploadID: "upload-1",
		Meta:     map[string]string{metaKey: "root/docs/a.bin"},
		FileSize: 12 * 1024 * 1024,
		PartSize: minPartSize,
	}

	signed, err := d.SignParts(context.Background(), h, []int{1, 3}, 10*time.Minute)
	require.NoError(t, err)
	require.Empty(t, signed.UploadURL)
	require.Len(t, signed.PartURLs, 2)

	last := signed.PartURLs[1]
	require.Equal(t, 3, last.PartNumber)
	require.EqualValues(t, 2*minPartSize, last.ByteStart)
	require.EqualValues(t, h.FileSize-1, last.ByteEnd)

	u, err := url.Parse(last.URL)
	require.NoError(t, err)
	require.Equal(t, "localhost:9000", u.Host)
	require.Equal(t, "/media/root/docs/a.bin", u.Path)
	require.Equal(t, "3", u.Query().Get("partNumber"))
	require.Equal(t, "upload-1", u.Query().Get("uploadId"))
	require.Equal(t, "600", u.Query().Get("X-Amz-Expires"))

	_, err = d.SignParts(context.Background(), h, []int{4}, time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidPartNumber)

	_, err = d.SignParts(context.Background(), &driver.SessionHandle{}, []int{1}, time.Minute)
	require.ErrorIs(t, err, domain.ErrUploadSessionNotFound)
}

func TestUploadChunkValidatesPartBoundaries(t *testing.T) {
	d := newTestDriver(t, nil)
	h := &driver.SessionHandle{UploadID: "u", FileSize: 12 * 1024 * 1024, PartSize: minPartSize}

	_, err := d.UploadChunk(context.Background(), h, &driver.Chunk{PartNumber: 2, Offset: 0, Length: minPartSize})
	require.ErrorIs(t, err, domain.ErrInvalidPartSize)

	_, err = d.UploadChunk(context.Background(), h, &driver.Chunk{PartNumber: 9, Offset: 0, Length: minPartSize})
	require.ErrorIs(t, err, domain.ErrInvalidPartNumber)
}

func TestGenerateDownloadURL(t *testing.T) {
	d := newTestDriver(t, nil)

	link, err := d.GenerateDownloadURL(context.Background(), "docs/report.pdf", driver.LinkOptions{
		Expiry:   5 * time.Minute,
		Download: true,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link.URL, "http://localhost:9000/media/root/docs/report.pdf?"))
	require.Contains(t, link.URL, "response-content-disposition=")
	require.WithinDuration(t, time.Now().Add(5*time.Minute), link.ExpiresAt, 5*time.Second)
}

func TestAbortWithoutUploadIDIsNoop(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.AbortSession(context.Background(), nil))
	require.NoError(t, d.AbortSession(context.Background(), &driver.SessionHandle{}))
}
