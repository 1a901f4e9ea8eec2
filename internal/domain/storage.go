package domain

import (
	"fmt"
	"strconv"
	"time"
)

// StorageType identifies a backend driver.
type StorageType string

const (
	// StorageTypeS3 is S3-compatible object storage.
	StorageTypeS3 StorageType = "S3"

	// StorageTypeOneDrive is Microsoft OneDrive / SharePoint via Microsoft Graph.
	StorageTypeOneDrive StorageType = "ONEDRIVE"

	// StorageTypeLocal is a directory on the server's disk.
	StorageTypeLocal StorageType = "LOCAL"

	// StorageTypeTelegram is chat-platform storage. It is a known type without
	// an adapter in this module, so configs using it fail at driver creation.
	StorageTypeTelegram StorageType = "TELEGRAM"
)

// StorageConfig is a named backend connection. It is owned by the admin
// configuration layer and consumed read-only here.
type StorageConfig struct {
	// ID is the stable identity of the config.
	ID string `json:"id" mapstructure:"id"`

	// Name is a human readable label.
	Name string `json:"name" mapstructure:"name"`

	// StorageType selects the driver.
	StorageType StorageType `json:"storage_type" mapstructure:"storage_type"`

	// Settings carries provider-specific credentials and options.
	// Secret values may arrive encrypted; see catalog.
	Settings map[string]any `json:"settings" mapstructure:"settings"`

	// OnlineAPIMode routes token refresh through a delegated renewal endpoint
	// instead of a direct OAuth refresh.
	OnlineAPIMode bool `json:"online_api_mode" mapstructure:"online_api_mode"`

	// DiskUsageEnabled enables quota/usage reporting for the backend.
	DiskUsageEnabled bool `json:"disk_usage_enabled" mapstructure:"disk_usage_enabled"`

	IsDefault bool   `json:"is_default" mapstructure:"is_default"`
	IsPublic  bool   `json:"is_public" mapstructure:"is_public"`
	OwnerID   string `json:"owner_id" mapstructure:"owner_id"`

	// Revision changes whenever credentials or flags change. Driver pools use
	// it to drop cached adapter instances.
	Revision int64 `json:"revision" mapstructure:"revision"`
}

// String returns the setting as a string, or "" when absent.
func (c *StorageConfig) String(key string) string {
	v, ok := c.Settings[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Bool returns the setting as a bool. Strings "true"/"1" are accepted.
func (c *StorageConfig) Bool(key string) bool {
	v, ok := c.Settings[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return false
}

// Int returns the setting as an int64, or def when absent or malformed.
func (c *StorageConfig) Int(key string, def int64) int64 {
	v, ok := c.Settings[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// Mount binds a virtual path prefix to a storage config.
type Mount struct {
	ID              string `json:"id" mapstructure:"id"`
	MountPath       string `json:"mount_path" mapstructure:"mount_path"`
	StorageConfigID string `json:"storage_config_id" mapstructure:"storage_config_id"`

	// SignedURLExpiry bounds generated direct and proxy links.
	SignedURLExpiry time.Duration `json:"signed_url_expiry" mapstructure:"signed_url_expiry"`

	// ProxyPreferred asks the filesystem layer to hand out proxy links even
	// when the driver can mint direct ones.
	ProxyPreferred bool `json:"proxy_preferred" mapstructure:"proxy_preferred"`
}

// LinkExpiry returns the mount's signed URL expiry or def when unset.
func (m *Mount) LinkExpiry(def time.Duration) time.Duration {
	if m == nil || m.SignedURLExpiry <= 0 {
		return def
	}
	return m.SignedURLExpiry
}
