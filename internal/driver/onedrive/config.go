package onedrive

import (
	"fmt"
	"strings"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
)

const (
	// chunkAlignment is the byte multiple Graph requires for session fragments.
	chunkAlignment = 320 * 1024

	// maxChunkSize is the largest fragment Graph accepts in one request.
	maxChunkSize = 60 * 1024 * 1024

	// simpleUploadLimit is the largest file Graph accepts with a single PUT.
	simpleUploadLimit = 4 * 1024 * 1024

	defaultChunkSize = 10 * 1024 * 1024
	defaultPageSize  = 200
)

// Setting keys.
const (
	settingClientID     = "client_id"
	settingClientSecret = "client_secret"
	settingRefreshToken = "refresh_token"
	settingTenant       = "tenant"
	settingRegion       = "region"
	settingDriveID      = "drive_id"
	settingRootFolder   = "root_folder"
	settingChunkSize    = "chunk_size"
	settingPageSize     = "page_size"
	settingAPIBase      = "api_base"
	settingTokenURL     = "token_url"
	settingRenewURL     = "renew_url"
)

// region endpoints: Graph API base and login host.
var regions = map[string][2]string{
	"global": {"https://graph.microsoft.com/v1.0", "https://login.microsoftonline.com"},
	"cn":     {"https://microsoftgraph.chinacloudapi.cn/v1.0", "https://login.chinacloudapi.cn"},
	"us":     {"https://graph.microsoft.us/v1.0", "https://login.microsoftonline.us"},
	"de":     {"https://graph.microsoft.de/v1.0", "https://login.microsoftonline.de"},
}

// Schema declares the OneDrive storage settings.
var Schema = []driver.ConfigField{
	{Name: settingClientID, Type: driver.FieldString, Description: "Azure application (client) id"},
	{Name: settingClientSecret, Type: driver.FieldSecret, Description: "Azure application secret"},
	{Name: settingRefreshToken, Type: driver.FieldSecret, Required: true, Description: "OAuth refresh token"},
	{Name: settingTenant, Type: driver.FieldString, Default: "common", Description: "Azure tenant"},
	{Name: settingRegion, Type: driver.FieldString, Default: "global", Description: "global, cn, us or de"},
	{Name: settingDriveID, Type: driver.FieldString, Description: "Drive id; empty means the signed-in user's drive"},
	{Name: settingRootFolder, Type: driver.FieldString, Description: "Folder used as the mount root"},
	{Name: settingChunkSize, Type: driver.FieldInt, Default: defaultChunkSize, Description: "Upload fragment size in bytes"},
	{Name: settingPageSize, Type: driver.FieldInt, Default: defaultPageSize, Description: "Listing page size"},
	{Name: settingAPIBase, Type: driver.FieldURL, Description: "Graph API base override"},
	{Name: settingTokenURL, Type: driver.FieldURL, Description: "OAuth token endpoint override"},
	{Name: settingRenewURL, Type: driver.FieldURL, Description: "Delegated token renewal endpoint, used in online API mode"},
}

// Config is the parsed OneDrive storage config.
type Config struct {
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	APIBase       string
	TokenURL      string
	RenewURL      string
	DriveID       string
	RootFolder    string
	ChunkSize     int64
	PageSize      int
	OnlineAPIMode bool
}

// ParseConfig reads the OneDrive settings of a storage config.
func ParseConfig(sc *domain.StorageConfig) (*Config, error) {
	region := strings.ToLower(sc.String(settingRegion))
	if region == "" {
		region = "global"
	}
	endpoints, ok := regions[region]
	if !ok {
		return nil, domain.NewConfigurationError(fmt.Sprintf("ONEDRIVE: unknown region %q", region))
	}

	tenant := sc.String(settingTenant)
	if tenant == "" {
		tenant = "common"
	}

	root, err := NormalizePath(sc.String(settingRootFolder))
	if err != nil {
		return nil, domain.NewConfigurationError("ONEDRIVE: root_folder must not contain '..'")
	}

	cfg := &Config{
		ClientID:      sc.String(settingClientID),
		ClientSecret:  sc.String(settingClientSecret),
		RefreshToken:  sc.String(settingRefreshToken),
		APIBase:       strings.TrimRight(endpoints[0], "/"),
		TokenURL:      fmt.Sprintf("%s/%s/oauth2/v2.0/token", endpoints[1], tenant),
		RenewURL:      sc.String(settingRenewURL),
		DriveID:       sc.String(settingDriveID),
		RootFolder:    root,
		ChunkSize:     sc.Int(settingChunkSize, defaultChunkSize),
		PageSize:      int(sc.Int(settingPageSize, defaultPageSize)),
		OnlineAPIMode: sc.OnlineAPIMode,
	}
	if base := sc.String(settingAPIBase); base != "" {
		cfg.APIBase = strings.TrimRight(base, "/")
	}
	if tu := sc.String(settingTokenURL); tu != "" {
		cfg.TokenURL = tu
	}

	if cfg.OnlineAPIMode {
		if cfg.RenewURL == "" {
			return nil, domain.NewConfigurationError("ONEDRIVE: renew_url is required in online API mode")
		}
	} else if cfg.ClientID == "" {
		return nil, domain.NewConfigurationError("ONEDRIVE: client_id is required")
	}

	cfg.ChunkSize = alignChunk(cfg.ChunkSize)
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return cfg, nil
}

// alignChunk rounds n down to a multiple of 320 KiB within Graph limits.
func alignChunk(n int64) int64 {
	if n <= 0 {
		n = defaultChunkSize
	}
	if n > maxChunkSize {
		n = maxChunkSize
	}
	n -= n % chunkAlignment
	if n < chunkAlignment {
		n = chunkAlignment
	}
	return n
}
