package s3

import (
	"context"
	"errors"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

func responseError(status int, err error) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
		RequestID: "req-42",
	}
}

func TestMapError(t *testing.T) {
	api := func(code string) error {
		return &smithy.GenericAPIError{Code: code, Message: code + " happened"}
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such upload", api("NoSuchUpload"), domain.ErrUploadSessionNotFound},
		{"no such key", api("NoSuchKey"), domain.ErrItemNotFound},
		{"head not found", responseError(http.StatusNotFound, api("NotFound")), domain.ErrItemNotFound},
		{"no such bucket", api("NoSuchBucket"), domain.ErrConfiguration},
		{"access denied", api("AccessDenied"), domain.ErrAuthentication},
		{"forbidden status", responseError(http.StatusForbidden, errors.New("denied")), domain.ErrAuthentication},
		{"slow down", api("SlowDown"), domain.ErrTransientProvider},
		{"server error", responseError(http.StatusServiceUnavailable, errors.New("busy")), domain.ErrTransientProvider},
		{"transport", errors.New("dial tcp: connection refused"), domain.ErrTransientProvider},
		{"invalid part", api("InvalidPart"), domain.ErrUploadIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(context.Background(), "op", tt.err)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMapError_Details(t *testing.T) {
	err := mapError(context.Background(), "head_object",
		responseError(http.StatusNotFound, &smithy.GenericAPIError{Code: "NotFound"}))

	var de *domain.DriverError
	require.True(t, errors.As(err, &de))
	require.Equal(t, "NotFound", de.Details["provider_code"])
	require.Equal(t, http.StatusNotFound, de.Details["provider_status"])
	require.Equal(t, "req-42", de.Details["request_id"])
	require.True(t, de.Expose)
}

func TestMapError_PassesThroughCancellation(t *testing.T) {
	require.NoError(t, mapError(context.Background(), "op", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mapError(ctx, "op", errors.New("request canceled"))
	require.ErrorIs(t, err, context.Canceled)
}
