package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/metrics"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
)

// tokenSkew refreshes tokens this long before they expire.
const tokenSkew = 2 * time.Minute

var scopes = []string{"offline_access", "Files.ReadWrite.All"}

// AuthManager owns the access token of one storage config. Concurrent
// callers share a single refresh.
type AuthManager struct {
	mu      sync.Mutex
	token   *oauth2.Token
	refresh string

	cfg     *Config
	oauth   *oauth2.Config
	http    *http.Client
	retry   retry.Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAuthManager creates an AuthManager for cfg.
func NewAuthManager(cfg *Config, httpClient *http.Client, retryCfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *AuthManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	retryCfg = retryCfg.WithClassifier(func(err error) bool {
		return domain.IsRetryable(err) || errors.Is(err, domain.ErrAuthentication)
	})

	return &AuthManager{
		refresh: cfg.RefreshToken,
		cfg:     cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:    httpClient,
		retry:   retryCfg,
		metrics: m,
		logger:  logger.With().Str("component", "onedrive_auth").Logger(),
		now:     time.Now,
	}
}

func (a *AuthManager) mode() string {
	if a.cfg.OnlineAPIMode {
		return "online"
	}
	return "direct"
}

// Token returns a valid access token, refreshing it when it is missing or
// about to expire.
func (a *AuthManager) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil && a.token.AccessToken != "" && a.now().Add(tokenSkew).Before(a.token.Expiry) {
		return a.token.AccessToken, nil
	}

	tok, err := retry.DoWithResult(ctx, a.retry, func() (*oauth2.Token, error) {
		if a.cfg.OnlineAPIMode {
			return a.renewOnline(ctx)
		}
		return a.refreshDirect(ctx)
	})
	a.metrics.RecordTokenRefresh(a.mode(), err)
	if err != nil {
		a.logger.Error().Err(err).Str("mode", a.mode()).Msg("token refresh failed")
		return "", err
	}

	a.token = tok
	if tok.RefreshToken != "" {
		a.refresh = tok.RefreshToken
	}
	a.logger.Debug().Str("mode", a.mode()).Time("expires_at", tok.Expiry).Msg("access token refreshed")
	return tok.AccessToken, nil
}

// Invalidate drops the cached token if it is still the rejected one.
func (a *AuthManager) Invalidate(rejected string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != nil && a.token.AccessToken == rejected {
		a.token = nil
	}
}

func (a *AuthManager) refreshDirect(ctx context.Context) (*oauth2.Token, error) {
	octx := context.WithValue(ctx, oauth2.HTTPClient, a.http)
	tok, err := a.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: a.refresh}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			e := classifyStatus(re.Response.StatusCode, kindToken, "token refresh: "+re.ErrorCode)
			e.Err = err
			return nil, e
		}
		return nil, transportError(ctx, "token refresh", err)
	}
	return tok, nil
}

// renewResponse is the delegated renewal endpoint payload.
type renewResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (a *AuthManager) renewOnline(ctx context.Context) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("refresh_token", a.refresh)
	form.Set("client_id", a.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RenewURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewConfigurationError("ONEDRIVE: invalid renew_url")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "token renewal", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp, kindToken, "token renewal")
	}

	var rr renewResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, domain.NewAuthenticationError("token renewal: malformed response", err)
	}
	if rr.AccessToken == "" {
		msg := rr.ErrorDescription
		if msg == "" {
			msg = rr.Error
		}
		return nil, domain.NewAuthenticationError("token renewal: "+msg, nil)
	}

	expiresIn := time.Duration(rr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &oauth2.Token{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       a.now().Add(expiresIn),
	}, nil
}
