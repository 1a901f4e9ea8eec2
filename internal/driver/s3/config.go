package s3

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

const (
	// minPartSize is the smallest part S3 accepts, except for the last one.
	minPartSize = 5 * 1024 * 1024

	// maxPartSize is the largest part S3 accepts.
	maxPartSize = 5 * 1024 * 1024 * 1024

	// maxParts is the largest part number S3 accepts.
	maxParts = 10000

	defaultPartSize = 8 * 1024 * 1024
	defaultPageSize = 1000
	defaultRegion   = "us-east-1"
)

const (
	settingEndpoint     = "endpoint"
	settingRegion       = "region"
	settingBucket       = "bucket"
	settingAccessKeyID  = "access_key_id"
	settingSecretKey    = "secret_access_key"
	settingSessionToken = "session_token"
	settingRootPrefix   = "root_prefix"
	settingPathStyle    = "use_path_style"
	settingPartSize     = "part_size"
	settingPageSize     = "page_size"
)

// Schema declares the S3 storage settings.
var Schema = []driver.ConfigField{
	{Name: settingEndpoint, Type: driver.FieldURL, Description: "Custom endpoint for S3-compatible services"},
	{Name: settingRegion, Type: driver.FieldString, Default: defaultRegion, Description: "Bucket region"},
	{Name: settingBucket, Type: driver.FieldString, Required: true, Description: "Bucket name"},
	{Name: settingAccessKeyID, Type: driver.FieldString, Description: "Access key id; empty uses the default credential chain"},
	{Name: settingSecretKey, Type: driver.FieldSecret, Description: "Secret access key"},
	{Name: settingSessionToken, Type: driver.FieldSecret, Description: "Session token for temporary credentials"},
	{Name: settingRootPrefix, Type: driver.FieldString, Description: "Key prefix used as the mount root"},
	{Name: settingPathStyle, Type: driver.FieldBool, Default: false, Description: "Address the bucket in the URL path"},
	{Name: settingPartSize, Type: driver.FieldInt, Default: defaultPartSize, Description: "Default multipart part size in bytes"},
	{Name: settingPageSize, Type: driver.FieldInt, Default: defaultPageSize, Description: "Listing page size"},
}

// Config is the parsed S3 storage config.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	Prefix       string
	PathStyle    bool
	PartSize     int64
	PageSize     int
}

// ParseConfig reads the S3 settings of a storage config.
func ParseConfig(sc *domain.StorageConfig) (*Config, error) {
	cfg := &Config{
		Endpoint:     strings.TrimRight(sc.String(settingEndpoint), "/"),
		Region:       sc.String(settingRegion),
		Bucket:       sc.String(settingBucket),
		AccessKeyID:  sc.String(settingAccessKeyID),
		SecretKey:    sc.String(settingSecretKey),
		SessionToken: sc.String(settingSessionToken),
		PathStyle:    sc.Bool(settingPathStyle),
		PartSize:     sc.Int(settingPartSize, defaultPartSize),
		PageSize:     int(sc.Int(settingPageSize, defaultPageSize)),
	}

	if cfg.Bucket == "" {
		return nil, domain.NewConfigurationError("S3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, domain.NewConfigurationError(fmt.Sprintf("S3: invalid endpoint %q", cfg.Endpoint))
		}
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretKey == "") {
		return nil, domain.NewConfigurationError("S3: access_key_id and secret_access_key must be set together")
	}

	prefix, err := driver.CleanPath(sc.String(settingRootPrefix))
	if err != nil {
		return nil, domain.NewConfigurationError("S3: root_prefix must not contain '..'")
	}
	cfg.Prefix = prefix

	cfg.PartSize = clampPartSize(cfg.PartSize)
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	return cfg, nil
}

func clampPartSize(n int64) int64 {
	switch {
	case n <= 0:
		return defaultPartSize
	case n < minPartSize:
		return minPartSize
	case n > maxPartSize:
		return maxPartSize
	}
	return n
}
