// Package proxysign mints and verifies proxy download URLs.
//
// A proxy URL carries an HS256 token naming the mount and the path inside
// it. The proxy endpoint verifies the token and streams the file through the
// mount's driver.
package proxysign

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

const issuer = "alexander-drives"

// Claims are the token claims of a proxy URL.
type Claims struct {
	jwt.RegisteredClaims
	MountID string `json:"mnt"`
	Path    string `json:"path"`
}

// Signer mints proxy URLs. It implements driver.URLSigner.
type Signer struct {
	key           []byte
	baseURL       string
	defaultExpiry time.Duration
	now           func() time.Time
}

// NewSigner creates a signer. baseURL is the externally visible proxy
// endpoint; the token is appended as the "token" query parameter.
func NewSigner(key []byte, baseURL string, defaultExpiry time.Duration) (*Signer, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("proxy signing key must be at least 16 bytes, got %d", len(key))
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid proxy base url: %w", err)
	}
	if defaultExpiry <= 0 {
		defaultExpiry = 15 * time.Minute
	}
	return &Signer{
		key:           key,
		baseURL:       baseURL,
		defaultExpiry: defaultExpiry,
		now:           time.Now,
	}, nil
}

// SignProxyURL returns a URL granting read access to subPath on the mount.
func (s *Signer) SignProxyURL(mountID, subPath string, expiry time.Duration) (string, time.Time, error) {
	if expiry <= 0 {
		expiry = s.defaultExpiry
	}
	now := s.now()
	expiresAt := now.Add(expiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		MountID: mountID,
		Path:    subPath,
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign proxy token: %w", err)
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid proxy base url: %w", err)
	}
	q := u.Query()
	q.Set("token", signed)
	u.RawQuery = q.Encode()

	return u.String(), expiresAt, nil
}

// Verify parses a proxy token and returns its claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrProxyTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProxyToken, err)
	}
	if !token.Valid || claims.MountID == "" {
		return nil, domain.ErrInvalidProxyToken
	}
	return claims, nil
}
