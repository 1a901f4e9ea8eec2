package proxysign

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

func tokenOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestSigner_RoundTrip(t *testing.T) {
	s, err := NewSigner([]byte("0123456789abcdef0123"), "https://drives.example.com/api/proxy", time.Minute)
	require.NoError(t, err)

	raw, expiresAt, err := s.SignProxyURL("m1", "docs/report.pdf", 0)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 2*time.Second)

	claims, err := s.Verify(tokenOf(t, raw))
	require.NoError(t, err)
	require.Equal(t, "m1", claims.MountID)
	require.Equal(t, "docs/report.pdf", claims.Path)
}

func TestSigner_Expired(t *testing.T) {
	s, err := NewSigner([]byte("0123456789abcdef0123"), "https://drives.example.com/api/proxy", time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, _, err := s.SignProxyURL("m1", "a.txt", time.Minute)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(tokenOf(t, raw))
	require.ErrorIs(t, err, domain.ErrProxyTokenExpired)
}

func TestSigner_WrongKey(t *testing.T) {
	a, err := NewSigner([]byte("0123456789abcdef0123"), "https://x/p", time.Minute)
	require.NoError(t, err)
	b, err := NewSigner([]byte("fedcba9876543210fedc"), "https://x/p", time.Minute)
	require.NoError(t, err)

	raw, _, err := a.SignProxyURL("m1", "a.txt", 0)
	require.NoError(t, err)

	_, err = b.Verify(tokenOf(t, raw))
	require.ErrorIs(t, err, domain.ErrInvalidProxyToken)
}

func TestNewSigner_ShortKey(t *testing.T) {
	_, err := NewSigner([]byte("short"), "https://x/p", time.Minute)
	require.Error(t, err)
}
