// Package config provides configuration management for the Alexander drives server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prn-tf/alexander-drives/internal/domain"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Security SecurityConfig `mapstructure:"security"`
	Storages []StorageEntry `mapstructure:"storages"`
	Mounts   []MountEntry   `mapstructure:"mounts"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings.
// Supports both PostgreSQL and SQLite backends.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
// When disabled, per-session locks are held in process memory.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// UploadConfig holds resumable upload settings.
type UploadConfig struct {
	// DefaultPartSize is used when a client does not request a part size.
	DefaultPartSize int64 `mapstructure:"default_part_size"`

	// MaxPartSize caps client-requested part sizes.
	MaxPartSize int64 `mapstructure:"max_part_size"`

	// SessionTTL is the ledger expiry for providers that do not report one.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// SignedURLExpiry is the lifetime of presigned part URLs.
	SignedURLExpiry time.Duration `mapstructure:"signed_url_expiry"`

	// RetryAttempts is the bound on transient provider retries.
	RetryAttempts int `mapstructure:"retry_attempts"`

	// SweepInterval is how often expired sessions are scanned.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepBatchSize limits sessions handled per sweep.
	SweepBatchSize int `mapstructure:"sweep_batch_size"`

	// Retention is how long finished ledger rows are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// SecurityConfig holds key material.
type SecurityConfig struct {
	// CredentialMasterKey decrypts "enc:" prefixed storage settings.
	// Either 64 hex characters or a passphrase run through HKDF.
	CredentialMasterKey string `mapstructure:"credential_master_key"`

	// ProxySigningKey signs proxy download tokens.
	ProxySigningKey string `mapstructure:"proxy_signing_key"`

	// ProxyBaseURL is the externally visible base of the proxy endpoint.
	ProxyBaseURL string `mapstructure:"proxy_base_url"`

	// ProxyURLExpiry is used when a mount does not set its own.
	ProxyURLExpiry time.Duration `mapstructure:"proxy_url_expiry"`
}

// CORSConfig holds browser access settings for the upload API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age"`
}

// StorageEntry is one configured storage backend.
type StorageEntry struct {
	ID               string         `mapstructure:"id"`
	Name             string         `mapstructure:"name"`
	Type             string         `mapstructure:"type"`
	Settings         map[string]any `mapstructure:"settings"`
	OnlineAPIMode    bool           `mapstructure:"online_api_mode"`
	DiskUsageEnabled bool           `mapstructure:"disk_usage_enabled"`
	IsDefault        bool           `mapstructure:"is_default"`
	IsPublic         bool           `mapstructure:"is_public"`
	OwnerID          string         `mapstructure:"owner_id"`
}

// ToDomain converts the entry into a storage config.
func (e StorageEntry) ToDomain() *domain.StorageConfig {
	settings := make(map[string]any, len(e.Settings))
	for k, v := range e.Settings {
		settings[k] = v
	}
	return &domain.StorageConfig{
		ID:               e.ID,
		Name:             e.Name,
		StorageType:      domain.StorageType(strings.ToUpper(e.Type)),
		Settings:         settings,
		OnlineAPIMode:    e.OnlineAPIMode,
		DiskUsageEnabled: e.DiskUsageEnabled,
		IsDefault:        e.IsDefault,
		IsPublic:         e.IsPublic,
		OwnerID:          e.OwnerID,
	}
}

// MountEntry binds a virtual path to a storage config.
type MountEntry struct {
	ID              string        `mapstructure:"id"`
	MountPath       string        `mapstructure:"mount_path"`
	StorageConfigID string        `mapstructure:"storage_config_id"`
	SignedURLExpiry time.Duration `mapstructure:"signed_url_expiry"`
	ProxyPreferred  bool          `mapstructure:"proxy_preferred"`
}

// ToDomain converts the entry into a mount.
func (e MountEntry) ToDomain() *domain.Mount {
	return &domain.Mount{
		ID:              e.ID,
		MountPath:       e.MountPath,
		StorageConfigID: e.StorageConfigID,
		SignedURLExpiry: e.SignedURLExpiry,
		ProxyPreferred:  e.ProxyPreferred,
	}
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with ALEXANDER_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("ALEXANDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/alexander")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_size", 5*1024*1024*1024) // 5GB

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "alexander")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "alexander")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/drives.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.key_prefix", "alexander:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339Nano)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Upload defaults
	v.SetDefault("upload.default_part_size", 5*1024*1024) // 5MiB
	v.SetDefault("upload.max_part_size", 100*1024*1024)   // 100MiB
	v.SetDefault("upload.session_ttl", 24*time.Hour)
	v.SetDefault("upload.signed_url_expiry", time.Hour)
	v.SetDefault("upload.retry_attempts", 3)
	v.SetDefault("upload.sweep_interval", 10*time.Minute)
	v.SetDefault("upload.sweep_batch_size", 100)
	v.SetDefault("upload.retention", 7*24*time.Hour)

	// Security defaults
	v.SetDefault("security.credential_master_key", "")
	v.SetDefault("security.proxy_signing_key", "")
	v.SetDefault("security.proxy_base_url", "http://localhost:8080/proxy")
	v.SetDefault("security.proxy_url_expiry", 15*time.Minute)

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", 300)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite driver")
	}

	// Validate upload configuration
	if c.Upload.DefaultPartSize <= 0 {
		return fmt.Errorf("upload.default_part_size must be positive")
	}
	if c.Upload.MaxPartSize < c.Upload.DefaultPartSize {
		return fmt.Errorf("upload.max_part_size must not be smaller than upload.default_part_size")
	}
	if c.Upload.RetryAttempts < 1 {
		return fmt.Errorf("upload.retry_attempts must be at least 1")
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("upload.session_ttl must be positive")
	}

	// Validate security configuration
	if c.Security.ProxyBaseURL != "" {
		if _, err := url.Parse(c.Security.ProxyBaseURL); err != nil {
			return fmt.Errorf("security.proxy_base_url is not a valid URL: %w", err)
		}
	}

	// Validate storages and mounts
	storages := make(map[string]bool, len(c.Storages))
	for i, s := range c.Storages {
		if s.ID == "" {
			return fmt.Errorf("storages[%d].id is required", i)
		}
		if s.Type == "" {
			return fmt.Errorf("storages[%d].type is required", i)
		}
		if storages[s.ID] {
			return fmt.Errorf("storages[%d].id %q is duplicated", i, s.ID)
		}
		storages[s.ID] = true
	}
	mounts := make(map[string]bool, len(c.Mounts))
	for i, m := range c.Mounts {
		if m.ID == "" {
			return fmt.Errorf("mounts[%d].id is required", i)
		}
		if mounts[m.ID] {
			return fmt.Errorf("mounts[%d].id %q is duplicated", i, m.ID)
		}
		if !storages[m.StorageConfigID] {
			return fmt.Errorf("mounts[%d].storage_config_id %q does not reference a storage", i, m.StorageConfigID)
		}
		mounts[m.ID] = true
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
