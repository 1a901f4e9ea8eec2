package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// graphError is the Graph API error envelope.
type graphError struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RequestID string `json:"request-id"`
		} `json:"innerError"`
	} `json:"error"`
}

// requestKind tells the error mapper what the failed URL addressed.
type requestKind int

const (
	kindItem requestKind = iota
	kindSession
	kindToken
)

// responseError converts a non-2xx Graph response into a DriverError.
func responseError(resp *http.Response, kind requestKind, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var ge graphError
	_ = json.Unmarshal(body, &ge)
	code, msg := ge.Error.Code, ge.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := classifyStatus(resp.StatusCode, kind, fmt.Sprintf("%s: %s", op, msg))
	e.WithDetail("provider_status", resp.StatusCode)
	if code != "" {
		e.WithDetail("provider_code", code)
	}
	if ge.Error.InnerError.RequestID != "" {
		e.WithDetail("request_id", ge.Error.InnerError.RequestID)
	}
	return e
}

func classifyStatus(status int, kind requestKind, msg string) *domain.DriverError {
	switch {
	case status == http.StatusNotFound && kind == kindSession:
		return domain.NewSessionNotFoundError(msg, nil)
	case status == http.StatusGone && kind == kindSession:
		return domain.NewSessionExpiredError(msg, nil)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.NewAuthenticationError(msg, nil)
	case kind == kindToken && status == http.StatusBadRequest:
		return domain.NewAuthenticationError(msg, nil)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return domain.NewTransientError(status, msg, nil)
	case status == http.StatusNotFound:
		e := domain.NewDriverError(domain.ErrItemNotFound, status, domain.CodeItemNotFound, msg, nil)
		e.Expose = true
		return e
	case status == http.StatusConflict:
		e := domain.NewDriverError(domain.ErrItemAlreadyExists, status, domain.CodeItemExists, msg, nil)
		e.Expose = true
		return e
	default:
		return domain.NewDriverError(nil, status, domain.CodeProviderError, msg, nil)
	}
}

// transportError wraps a failed round trip. Context cancellation is passed
// through unchanged so callers stop instead of retrying.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.NewTransientError(0, op+": request failed", err)
}
