// Package s3 implements the storage driver for Amazon S3 and S3-compatible
// services on top of aws-sdk-go-v2.
//
// Multipart uploads map onto S3 multipart uploads: every part has its own
// presigned URL, so browser uploads use the chunked strategy.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/metrics"
)

const (
	defaultLinkExpiry = time.Hour
	maxLinkExpiry     = 7 * 24 * time.Hour

	// deleteBatchSize is the DeleteObjects key limit.
	deleteBatchSize = 1000
)

// Capabilities are the capabilities S3 declares. Renames are copy plus
// delete, so S3 is not ATOMIC.
var Capabilities = domain.NewCapabilitySet(
	domain.CapabilityReader,
	domain.CapabilityWriter,
	domain.CapabilityDirectLink,
	domain.CapabilityProxy,
	domain.CapabilityMultipart,
	domain.CapabilityPagedList,
)

// Descriptor registers the S3 storage type.
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Type:         domain.StorageTypeS3,
		DisplayName:  "Amazon S3 / S3-compatible",
		Capabilities: Capabilities,
		Schema:       Schema,
		Factory:      New,
	}
}

// Driver is the S3 storage driver.
type Driver struct {
	cfg     *Config
	client  *s3.Client
	presign *s3.PresignClient
	signer  driver.URLSigner
	caps    domain.CapabilitySet
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

var (
	_ driver.Driver            = (*Driver)(nil)
	_ driver.DirectLinker      = (*Driver)(nil)
	_ driver.Proxier           = (*Driver)(nil)
	_ driver.PagedLister       = (*Driver)(nil)
	_ driver.MultipartUploader = (*Driver)(nil)
)

// New is the S3 driver factory.
func New(ctx context.Context, sc *domain.StorageConfig, deps driver.Deps) (driver.Driver, error) {
	cfg, err := ParseConfig(sc)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, cfg.SessionToken),
		))
	}
	if deps.HTTPClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(deps.HTTPClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("S3: load aws config: %v", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		// S3-compatible services often reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	caps := Capabilities
	if deps.ProxySigner == nil {
		caps = domain.NewCapabilitySet(
			domain.CapabilityReader,
			domain.CapabilityWriter,
			domain.CapabilityDirectLink,
			domain.CapabilityMultipart,
			domain.CapabilityPagedList,
		)
	}

	return &Driver{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		signer:  deps.ProxySigner,
		caps:    caps,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("driver", "s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Type implements driver.Driver.
func (d *Driver) Type() domain.StorageType { return domain.StorageTypeS3 }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() domain.CapabilitySet { return d.caps }

// observe records one provider call and maps its error.
func (d *Driver) observe(ctx context.Context, op string, start time.Time, err error) error {
	err = mapError(ctx, op, err)
	d.metrics.ObserveProvider(string(domain.StorageTypeS3), op, start, err)
	return err
}

// unsignedPayload lets streamed bodies through without hashing them first.
func unsignedPayload(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
}

// key maps a mount-relative path to an object key.
func (d *Driver) key(subPath string) (string, error) {
	rel, err := driver.CleanPath(subPath)
	if err != nil {
		return "", err
	}
	return driver.JoinPath(d.cfg.Prefix, rel), nil
}

// relative strips the root prefix from an object key.
func (d *Driver) relative(key string) string {
	if d.cfg.Prefix == "" {
		return key
	}
	if key == d.cfg.Prefix {
		return ""
	}
	return strings.TrimPrefix(key, d.cfg.Prefix+"/")
}

// dirPrefix is the listing prefix of the directory at key.
func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// copySource renders the URL-encoded CopySource of key.
func (d *Driver) copySource(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.cfg.Bucket + "/" + strings.Join(segments, "/")
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

// ListDirectory implements driver.Driver. Without a cursor every page is
// fetched; with one a single page is returned.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.ListOptions) (*domain.DirectoryListing, error) {
	if opts.Cursor != "" {
		return d.ListPage(ctx, subPath, opts.Cursor, opts.Limit)
	}

	listing, err := d.ListPage(ctx, subPath, "", opts.Limit)
	if err != nil {
		return nil, err
	}
	for listing.HasMore && (opts.Limit <= 0 || len(listing.Items) < opts.Limit) {
		next, err := d.ListPage(ctx, subPath, listing.NextCursor, opts.Limit)
		if err != nil {
			return nil, err
		}
		listing.Items = append(listing.Items, next.Items...)
		listing.HasMore, listing.NextCursor = next.HasMore, next.NextCursor
	}
	return listing, nil
}

// ListPage implements driver.PagedLister. The cursor is the S3
// continuation token.
func (d *Driver) ListPage(ctx context.Context, subPath, cursor string, limit int) (*domain.DirectoryListing, error) {
	rel, err := driver.CleanPath(subPath)
	if err != nil {
		return nil, err
	}
	prefix := dirPrefix(driver.JoinPath(d.cfg.Prefix, rel))
	if limit <= 0 || limit > d.cfg.PageSize {
		limit = d.cfg.PageSize
	}

	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(limit)),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}

	start := time.Now()
	out, err := d.client.ListObjectsV2(ctx, in)
	if err = d.observe(ctx, "list_objects", start, err); err != nil {
		return nil, err
	}

	listing := &domain.DirectoryListing{
		Path:       "/" + rel,
		Type:       domain.ItemTypeDirectory,
		IsRoot:     rel == "",
		Items:      make([]*domain.FileInfo, 0, len(out.CommonPrefixes)+len(out.Contents)),
		HasMore:    aws.ToBool(out.IsTruncated),
		NextCursor: aws.ToString(out.NextContinuationToken),
	}
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		listing.Items = append(listing.Items, &domain.FileInfo{
			Name: name,
			Path: driver.JoinPath(rel, name),
			Type: domain.ItemTypeDirectory,
		})
	}
	for _, obj := range out.Contents {
		k := aws.ToString(obj.Key)
		if k == prefix {
			// Directory marker object.
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		listing.Items = append(listing.Items, &domain.FileInfo{
			Name:       name,
			Path:       driver.JoinPath(rel, name),
			Type:       domain.ItemTypeFile,
			Size:       aws.ToInt64(obj.Size),
			ETag:       trimETag(obj.ETag),
			ModifiedAt: aws.ToTime(obj.LastModified),
		})
	}
	return listing, nil
}

func (d *Driver) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err = d.observe(ctx, "head_object", start, err); err != nil {
		return nil, err
	}
	return out, nil
}

// hasChildren reports whether any object lives under the directory at key.
func (d *Driver) hasChildren(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.cfg.Bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err = d.observe(ctx, "list_objects", start, err); err != nil {
		return false, err
	}
	return len(out.Contents) > 0, nil
}

// GetFileInfo implements driver.Driver. Keys that only exist as a prefix
// are reported as directories.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string) (*domain.FileInfo, error) {
	key, err := d.key(subPath)
	if err != nil {
		return nil, err
	}
	rel := d.relative(key)
	_, name := driver.SplitPath(rel)
	if rel == "" {
		return &domain.FileInfo{Name: "/", Path: "", Type: domain.ItemTypeDirectory}, nil
	}

	out, err := d.head(ctx, key)
	if err == nil {
		return &domain.FileInfo{
			Name:        name,
			Path:        rel,
			Type:        domain.ItemTypeFile,
			Size:        aws.ToInt64(out.ContentLength),
			ETag:        trimETag(out.ETag),
			ContentType: aws.ToString(out.ContentType),
			ModifiedAt:  aws.ToTime(out.LastModified),
		}, nil
	}
	if !errors.Is(err, domain.ErrItemNotFound) {
		return nil, err
	}

	isDir, dirErr := d.hasChildren(ctx, key)
	if dirErr != nil {
		return nil, dirErr
	}
	if !isDir {
		return nil, err
	}
	return &domain.FileInfo{Name: name, Path: rel, Type: domain.ItemTypeDirectory}, nil
}

// DownloadFile implements driver.Driver.
func (d *Driver) DownloadFile(ctx context.Context, subPath string) (*driver.StreamDescriptor, error) {
	key, err := d.key(subPath)
	if err != nil {
		return nil, err
	}
	out, err := d.head(ctx, key)
	if err != nil {
		return nil, err
	}

	return &driver.StreamDescriptor{
		Size:          aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		ETag:          trimETag(out.ETag),
		SupportsRange: true,
		Fetch: func(ctx context.Context, rng *driver.ByteRange) (io.ReadCloser, error) {
			in := &s3.GetObjectInput{
				Bucket: aws.String(d.cfg.Bucket),
				Key:    aws.String(key),
			}
			if rng != nil {
				in.Range = aws.String(rng.HeaderValue())
			}
			start := time.Now()
			obj, err := d.client.GetObject(ctx, in)
			if err = d.observe(ctx, "get_object", start, err); err != nil {
				return nil, err
			}
			return obj.Body, nil
		},
	}, nil
}

// UploadFile implements driver.Driver with a single PutObject.
func (d *Driver) UploadFile(ctx context.Context, subPath string, src *driver.UploadSource) (*driver.UploadResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	key, err := d.key(subPath)
	if err != nil {
		return nil, err
	}
	if key == d.cfg.Prefix {
		return nil, domain.NewDomainError(domain.ErrInvalidPath, "upload target is the mount root", subPath)
	}
	if src.Size < 0 {
		return nil, domain.ErrInvalidFileSize
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          src.Body,
		ContentLength: aws.Int64(src.Size),
	}
	if src.ContentType != "" {
		in.ContentType = aws.String(src.ContentType)
	}

	start := time.Now()
	_, err = d.client.PutObject(ctx, in, unsignedPayload)
	if err = d.observe(ctx, "put_object", start, err); err != nil {
		return nil, err
	}
	d.logger.Debug().Str("key", key).Int64("size", src.Size).Msg("object stored")
	return &driver.UploadResult{Success: true, StoragePath: d.relative(key)}, nil
}

// CreateDirectory implements driver.Driver by writing a directory marker.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string) (*driver.CreateDirectoryResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	key, err := d.key(subPath)
	if err != nil {
		return nil, err
	}
	rel := d.relative(key)
	if rel == "" {
		return &driver.CreateDirectoryResult{Success: true, Path: "/", AlreadyExists: true}, nil
	}

	exists, err := d.hasChildren(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return &driver.CreateDirectoryResult{Success: true, Path: "/" + rel, AlreadyExists: true}, nil
	}

	start := time.Now()
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err = d.observe(ctx, "put_object", start, err); err != nil {
		return nil, err
	}
	return &driver.CreateDirectoryResult{Success: true, Path: "/" + rel}, nil
}

func (d *Driver) copyObject(ctx context.Context, src, dst string) error {
	start := time.Now()
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.cfg.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(d.copySource(src)),
	})
	return d.observe(ctx, "copy_object", start, err)
}

// RenameItem implements driver.Driver as copy then delete.
func (d *Driver) RenameItem(ctx context.Context, source, target string) (*driver.RenameResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	src, err := d.key(source)
	if err != nil {
		return nil, err
	}
	dst, err := d.key(target)
	if err != nil {
		return nil, err
	}

	if err := d.copyObject(ctx, src, dst); err != nil {
		return nil, err
	}
	start := time.Now()
	_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(src),
	})
	if err = d.observe(ctx, "delete_object", start, err); err != nil {
		return &driver.RenameResult{
			Success: false,
			Source:  d.relative(src),
			Target:  d.relative(dst),
			Message: "copied but source was not removed",
		}, err
	}
	return &driver.RenameResult{Success: true, Source: d.relative(src), Target: d.relative(dst)}, nil
}

// CopyItem implements driver.Driver with a server-side copy.
func (d *Driver) CopyItem(ctx context.Context, source, target string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	src, err := d.key(source)
	if err != nil {
		return nil, err
	}
	dst, err := d.key(target)
	if err != nil {
		return nil, err
	}
	result := &driver.CopyResult{Source: d.relative(src), Target: d.relative(dst)}

	if opts.SkipExisting {
		_, err := d.head(ctx, dst)
		if err == nil {
			result.Status = driver.CopyStatusSkipped
			result.Reason = "target exists"
			return result, nil
		}
		if !errors.Is(err, domain.ErrItemNotFound) {
			return nil, err
		}
	}

	if err := d.copyObject(ctx, src, dst); err != nil {
		result.Status = driver.CopyStatusFailed
		result.Message = err.Error()
		return result, err
	}
	result.Status = driver.CopyStatusSuccess
	return result, nil
}

// BatchRemoveItems implements driver.Driver. A directory path removes every
// object under it.
func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	if err := driver.RequireCapability(d, domain.CapabilityWriter); err != nil {
		return nil, err
	}
	result := driver.NewBatchRemoveResult()
	for _, p := range paths {
		key, err := d.key(p)
		if err == nil && key == d.cfg.Prefix {
			err = domain.NewDomainError(domain.ErrInvalidPath, "refusing to remove the mount root", p)
		}
		if err == nil {
			err = d.removeTree(ctx, key)
		}
		result.Record(p, err)
	}
	return result, nil
}

func (d *Driver) removeTree(ctx context.Context, key string) error {
	keys := []string{key}
	pager := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.cfg.Bucket),
		Prefix: aws.String(dirPrefix(key)),
	})
	for pager.HasMorePages() {
		start := time.Now()
		page, err := pager.NextPage(ctx)
		if err = d.observe(ctx, "list_objects", start, err); err != nil {
			return err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	for i := 0; i < len(keys); i += deleteBatchSize {
		end := min(i+deleteBatchSize, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-i)
		for _, k := range keys[i:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		start := time.Now()
		out, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.cfg.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err = d.observe(ctx, "delete_objects", start, err); err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return domain.NewDriverError(nil, http.StatusBadGateway, domain.CodeProviderError,
				fmt.Sprintf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message)), nil).
				WithDetail("failed_keys", len(out.Errors))
		}
	}
	return nil
}

// GenerateDownloadURL implements driver.DirectLinker with a presigned GET.
func (d *Driver) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.LinkOptions) (*driver.Link, error) {
	key, err := d.key(subPath)
	if err != nil {
		return nil, err
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = defaultLinkExpiry
	}
	if expiry > maxLinkExpiry {
		expiry = maxLinkExpiry
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.Download {
		_, name := driver.SplitPath(key)
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", name))
	}

	req, err := d.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(expiry))
	if err != nil {
		return nil, mapError(ctx, "presign_get_object", err)
	}
	return &driver.Link{URL: req.URL, ExpiresAt: time.Now().Add(expiry)}, nil
}

// GenerateProxyURL implements driver.Proxier.
func (d *Driver) GenerateProxyURL(ctx context.Context, subPath string, opts driver.LinkOptions) (*driver.Link, error) {
	if d.signer == nil {
		return nil, domain.NewUnsupportedError(d.Type(), domain.CapabilityProxy)
	}
	rel, err := driver.CleanPath(subPath)
	if err != nil {
		return nil, err
	}
	u, expiresAt, err := d.signer.SignProxyURL(opts.MountID, rel, opts.Expiry)
	if err != nil {
		return nil, err
	}
	return &driver.Link{URL: u, ExpiresAt: expiresAt}, nil
}
