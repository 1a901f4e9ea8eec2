package onedrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
)

func TestAuthManager_ConcurrentCallersShareRefresh(t *testing.T) {
	g := newFakeGraph(t)
	cfg, err := ParseConfig(&domain.StorageConfig{Settings: g.settings()})
	require.NoError(t, err)

	auth := NewAuthManager(cfg, g.server.Client(), retry.DefaultConfig(), nil, zerolog.Nop())

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	errs := make([]error, len(tokens))
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = auth.Token(context.Background())
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, g.tokenCalls.Load())
	for i, tok := range tokens {
		require.NoError(t, errs[i])
		require.Equal(t, "at-1", tok)
	}
	require.Equal(t, "rt-2", auth.refresh)
}

func TestAuthManager_RefreshesNearExpiry(t *testing.T) {
	g := newFakeGraph(t)
	cfg, err := ParseConfig(&domain.StorageConfig{Settings: g.settings()})
	require.NoError(t, err)

	auth := NewAuthManager(cfg, g.server.Client(), retry.DefaultConfig(), nil, zerolog.Nop())
	now := time.Now()
	auth.now = func() time.Time { return now }

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "at-1", tok)

	// Inside the skew window the token is treated as expired.
	now = now.Add(time.Hour - time.Minute)
	tok, err = auth.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "at-2", tok)
	require.EqualValues(t, 2, g.tokenCalls.Load())
}

func TestAuthManager_Invalidate(t *testing.T) {
	g := newFakeGraph(t)
	cfg, err := ParseConfig(&domain.StorageConfig{Settings: g.settings()})
	require.NoError(t, err)
	auth := NewAuthManager(cfg, g.server.Client(), retry.DefaultConfig(), nil, zerolog.Nop())

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)

	auth.Invalidate("some-other-token")
	again, err := auth.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, tok, again)

	auth.Invalidate(tok)
	fresh, err := auth.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, tok, fresh)
}

func TestAuthManager_OnlineMode(t *testing.T) {
	var calls atomic.Int32
	renew := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "rt-online", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "renewed",
			"refresh_token": "rt-next",
			"expires_in":    1800,
		})
	}))
	defer renew.Close()

	cfg, err := ParseConfig(&domain.StorageConfig{
		OnlineAPIMode: true,
		Settings: map[string]any{
			"refresh_token": "rt-online",
			"renew_url":     renew.URL,
		},
	})
	require.NoError(t, err)

	auth := NewAuthManager(cfg, renew.Client(), retry.DefaultConfig(), nil, zerolog.Nop())
	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "renewed", tok)
	require.Equal(t, "rt-next", auth.refresh)

	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestAuthManager_OnlineModeRejected(t *testing.T) {
	renew := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer renew.Close()

	cfg, err := ParseConfig(&domain.StorageConfig{
		OnlineAPIMode: true,
		Settings:      map[string]any{"refresh_token": "rt", "renew_url": renew.URL},
	})
	require.NoError(t, err)

	auth := NewAuthManager(cfg, renew.Client(), retry.DefaultConfig().WithAttempts(1), nil, zerolog.Nop())
	_, err = auth.Token(context.Background())
	require.ErrorIs(t, err, domain.ErrAuthentication)
	require.Contains(t, err.Error(), "refresh token revoked")
}
