package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/metrics"
	"github.com/prn-tf/alexander-drives/internal/pkg/retry"
)

// driveItem is the subset of the Graph driveItem resource used here.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	DownloadURL          string    `json:"@microsoft.graph.downloadUrl"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	ParentReference *struct {
		Path string `json:"path"`
	} `json:"parentReference"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// uploadSession is the Graph uploadSession resource.
type uploadSession struct {
	UploadURL          string     `json:"uploadUrl"`
	ExpirationDateTime *time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string   `json:"nextExpectedRanges"`
}

// GraphClient is a thin Microsoft Graph REST client bound to one drive.
type GraphClient struct {
	base      string
	drivePath string
	http      *http.Client
	auth      *AuthManager
	retry     retry.Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewGraphClient creates a client for the drive described by cfg.
func NewGraphClient(cfg *Config, httpClient *http.Client, auth *AuthManager, retryCfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *GraphClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	drivePath := "/me/drive"
	if cfg.DriveID != "" {
		drivePath = "/drives/" + url.PathEscape(cfg.DriveID)
	}
	return &GraphClient{
		base:      cfg.APIBase,
		drivePath: drivePath,
		http:      httpClient,
		auth:      auth,
		retry:     retryCfg.WithClassifier(domain.IsRetryable),
		metrics:   m,
		logger:    logger.With().Str("component", "graph_client").Logger(),
	}
}

// itemURL addresses an item by path relative to the drive root.
func (c *GraphClient) itemURL(remotePath string) string {
	if remotePath == "" {
		return c.base + c.drivePath + "/root"
	}
	return c.base + c.drivePath + "/root:/" + escapePath(remotePath) + ":"
}

// request describes one Graph call.
type request struct {
	op          string
	method      string
	url         string
	body        []byte
	stream      io.Reader
	length      int64
	contentType string
	headers     map[string]string
	kind        requestKind

	// anonymous requests go to pre-authorized upload URLs.
	anonymous bool
}

// do executes r, retrying transient failures when the body is replayable.
// The caller closes the response body.
func (c *GraphClient) do(ctx context.Context, r request) (*http.Response, error) {
	start := time.Now()
	attempt := func() (*http.Response, error) {
		resp, err := c.send(ctx, r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && !r.anonymous && r.stream == nil {
			// The cached token was revoked early; refresh once.
			resp.Body.Close()
			resp, err = c.send(ctx, r)
			if err != nil {
				return nil, err
			}
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, responseError(resp, r.kind, r.op)
		}
		return resp, nil
	}

	var (
		resp *http.Response
		err  error
	)
	if r.stream != nil {
		resp, err = attempt()
	} else {
		resp, err = retry.DoWithResult(ctx, c.retry, attempt)
	}
	c.metrics.ObserveProvider(string(domain.StorageTypeOneDrive), r.op, start, err)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", r.op).Str("method", r.method).Msg("graph request failed")
	}
	return resp, err
}

func (c *GraphClient) send(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader
	switch {
	case r.stream != nil:
		body = r.stream
	case r.body != nil:
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", r.op, err)
	}
	if r.stream != nil && r.length >= 0 {
		req.ContentLength = r.length
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	var token string
	if !r.anonymous {
		token, err = c.auth.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, r.op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		c.auth.Invalidate(token)
	}
	return resp, nil
}

func (c *GraphClient) doJSON(ctx context.Context, r request, out any) error {
	resp, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewTransientError(http.StatusBadGateway, r.op+": malformed response", err)
	}
	return nil
}

func jsonBody(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// GetItem returns the item at remotePath.
func (c *GraphClient) GetItem(ctx context.Context, remotePath string) (*driveItem, error) {
	var item driveItem
	err := c.doJSON(ctx, request{op: "get_item", method: http.MethodGet, url: c.itemURL(remotePath)}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListChildren returns one page of children. cursor is a previous nextLink.
func (c *GraphClient) ListChildren(ctx context.Context, remotePath, cursor string, limit int) (*childrenPage, error) {
	u := cursor
	if u == "" {
		u = c.itemURL(remotePath) + "/children?$top=" + strconv.Itoa(limit)
	} else if !strings.HasPrefix(u, c.base+"/") {
		return nil, domain.NewConfigurationError("invalid listing cursor")
	}

	var page childrenPage
	if err := c.doJSON(ctx, request{op: "list_children", method: http.MethodGet, url: u}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Download opens the content of remotePath, optionally limited by a Range header.
func (c *GraphClient) Download(ctx context.Context, remotePath, rangeHeader string) (io.ReadCloser, error) {
	r := request{op: "download", method: http.MethodGet, url: c.itemURL(remotePath) + "/content"}
	if rangeHeader != "" {
		r.headers = map[string]string{"Range": rangeHeader}
	}
	resp, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SimpleUpload stores a small file with a single PUT.
func (c *GraphClient) SimpleUpload(ctx context.Context, remotePath string, body io.Reader, size int64, contentType string) (*driveItem, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var item driveItem
	err := c.doJSON(ctx, request{
		op:          "simple_upload",
		method:      http.MethodPut,
		url:         c.itemURL(remotePath) + "/content",
		stream:      body,
		length:      size,
		contentType: contentType,
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateFolder creates name under parentPath, failing on conflict.
func (c *GraphClient) CreateFolder(ctx context.Context, parentPath, name string) (*driveItem, error) {
	var item driveItem
	err := c.doJSON(ctx, request{
		op:     "create_folder",
		method: http.MethodPost,
		url:    c.itemURL(parentPath) + "/children",
		body: jsonBody(map[string]any{
			"name":                              name,
			"folder":                            map[string]any{},
			"@microsoft.graph.conflictBehavior": "fail",
		}),
		contentType: "application/json",
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Move renames and/or reparents the item at remotePath.
func (c *GraphClient) Move(ctx context.Context, remotePath, newParent, newName string) (*driveItem, error) {
	payload := map[string]any{
		"name":            newName,
		"parentReference": map[string]any{"path": c.parentReference(newParent)},
	}

	var item driveItem
	err := c.doJSON(ctx, request{
		op:          "move",
		method:      http.MethodPatch,
		url:         c.itemURL(remotePath),
		body:        jsonBody(payload),
		contentType: "application/json",
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Copy starts a server-side copy and waits for the monitor to finish.
func (c *GraphClient) Copy(ctx context.Context, remotePath, newParent, newName string) error {
	resp, err := c.do(ctx, request{
		op:     "copy",
		method: http.MethodPost,
		url:    c.itemURL(remotePath) + "/copy",
		body: jsonBody(map[string]any{
			"name":            newName,
			"parentReference": map[string]any{"path": c.parentReference(newParent)},
		}),
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	monitor := resp.Header.Get("Location")
	resp.Body.Close()
	if monitor == "" {
		return nil
	}
	return c.waitCopy(ctx, monitor)
}

// copyStatus is the async job monitor payload.
type copyStatus struct {
	Status string `json:"status"`
}

func (c *GraphClient) waitCopy(ctx context.Context, monitor string) error {
	const (
		maxPolls = 30
		interval = time.Second
	)
	for i := 0; i < maxPolls; i++ {
		var st copyStatus
		err := c.doJSON(ctx, request{op: "copy_monitor", method: http.MethodGet, url: monitor, anonymous: true}, &st)
		if err != nil {
			return err
		}
		switch st.Status {
		case "completed":
			return nil
		case "failed":
			return domain.NewDriverError(nil, http.StatusBadGateway, domain.CodeProviderError, "copy failed", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	// Still running; the copy completes on the provider side.
	c.logger.Warn().Str("monitor", monitor).Msg("copy still in progress after polling window")
	return nil
}

// Delete removes the item at remotePath.
func (c *GraphClient) Delete(ctx context.Context, remotePath string) error {
	return c.doJSON(ctx, request{op: "delete", method: http.MethodDelete, url: c.itemURL(remotePath)}, nil)
}

// CreateUploadSession opens a resumable session for remotePath.
func (c *GraphClient) CreateUploadSession(ctx context.Context, remotePath, conflictBehavior string) (*uploadSession, error) {
	if conflictBehavior == "" {
		conflictBehavior = "replace"
	}
	var s uploadSession
	err := c.doJSON(ctx, request{
		op:     "create_upload_session",
		method: http.MethodPost,
		url:    c.itemURL(remotePath) + "/createUploadSession",
		body: jsonBody(map[string]any{
			"item": map[string]any{"@microsoft.graph.conflictBehavior": conflictBehavior},
		}),
		contentType: "application/json",
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// QueryUploadSession returns the provider status of an upload session.
func (c *GraphClient) QueryUploadSession(ctx context.Context, uploadURL string) (*uploadSession, error) {
	var s uploadSession
	err := c.doJSON(ctx, request{
		op:        "query_upload_session",
		method:    http.MethodGet,
		url:       uploadURL,
		kind:      kindSession,
		anonymous: true,
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UploadRange sends bytes [offset, offset+length) of a total-byte file.
// It returns the session state on 202 or the item once the upload finished.
func (c *GraphClient) UploadRange(ctx context.Context, uploadURL string, body io.Reader, offset, length, total int64) (*uploadSession, *driveItem, error) {
	resp, err := c.do(ctx, request{
		op:     "upload_range",
		method: http.MethodPut,
		url:    uploadURL,
		stream: body,
		length: length,
		headers: map[string]string{
			"Content-Range": fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total),
		},
		kind:      kindSession,
		anonymous: true,
	})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		var s uploadSession
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return nil, nil, domain.NewTransientError(http.StatusBadGateway, "upload_range: malformed response", err)
		}
		return &s, nil, nil
	}

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, nil, domain.NewTransientError(http.StatusBadGateway, "upload_range: malformed response", err)
	}
	return nil, &item, nil
}

// DeleteUploadSession cancels an upload session.
func (c *GraphClient) DeleteUploadSession(ctx context.Context, uploadURL string) error {
	return c.doJSON(ctx, request{
		op:        "delete_upload_session",
		method:    http.MethodDelete,
		url:       uploadURL,
		kind:      kindSession,
		anonymous: true,
	}, nil)
}

// parentReference renders a drive-relative parent path for move and copy.
func (c *GraphClient) parentReference(parent string) string {
	if parent == "" {
		return "/drive/root:"
	}
	return "/drive/root:/" + parent
}
