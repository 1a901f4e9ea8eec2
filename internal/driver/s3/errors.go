package s3

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// mapError converts an SDK error into a DriverError. Context cancellation
// is passed through unchanged.
func mapError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var (
		code   string
		msg    = op + ": " + err.Error()
		status int
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = op + ": " + apiErr.ErrorMessage()
		if apiErr.ErrorMessage() == "" {
			msg = op + ": " + code
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var e *domain.DriverError
	switch {
	case code == "NoSuchUpload":
		e = domain.NewSessionNotFoundError(msg, err)
	case code == "NoSuchBucket":
		e = domain.NewConfigurationError(msg)
		e.Err = err
	case code == "NoSuchKey", code == "NotFound", status == http.StatusNotFound:
		e = domain.NewDriverError(domain.ErrItemNotFound, http.StatusNotFound, domain.CodeItemNotFound, msg, err)
		e.Expose = true
	case code == "AccessDenied", code == "InvalidAccessKeyId", code == "SignatureDoesNotMatch",
		code == "ExpiredToken", status == http.StatusUnauthorized, status == http.StatusForbidden:
		e = domain.NewAuthenticationError(msg, err)
	case code == "InvalidPart", code == "InvalidPartOrder", code == "EntityTooSmall":
		e = domain.NewDriverError(domain.ErrUploadIncomplete, http.StatusBadRequest, code, msg, err)
		e.Expose = true
	case code == "SlowDown", code == "InternalError", code == "ServiceUnavailable", code == "RequestTimeout",
		status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		e = domain.NewTransientError(status, msg, err)
	case apiErr == nil && status == 0:
		// No response at all: the request never reached the service.
		e = domain.NewTransientError(0, msg, err)
	default:
		if status == 0 {
			status = http.StatusBadGateway
		}
		e = domain.NewDriverError(nil, status, domain.CodeProviderError, msg, err)
	}

	if code != "" {
		e.WithDetail("provider_code", code)
	}
	if status != 0 {
		e.WithDetail("provider_status", status)
	}
	if respErr != nil && respErr.ServiceRequestID() != "" {
		e.WithDetail("request_id", respErr.ServiceRequestID())
	}
	return e
}
