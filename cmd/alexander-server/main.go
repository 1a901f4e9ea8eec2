// Package main is the entry point for the Alexander Drives server.
// Alexander Drives mounts remote storage providers under virtual paths and
// runs resumable uploads against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-drives/internal/catalog"
	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/database"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/drivers"
	"github.com/prn-tf/alexander-drives/internal/driver/proxysign"
	"github.com/prn-tf/alexander-drives/internal/handler"
	"github.com/prn-tf/alexander-drives/internal/lock"
	"github.com/prn-tf/alexander-drives/internal/metrics"
	"github.com/prn-tf/alexander-drives/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drives/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "alexander-server",
	Short:         "Alexander Drives HTTP server",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	log.Logger = logger

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting Alexander Drives Server")

	// Database
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Locks
	locker, closeLocker, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// Mounts and drivers
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to load storage catalog: %w", err)
	}

	signer, err := newProxySigner(cfg.Security, logger)
	if err != nil {
		return err
	}

	registry, err := drivers.NewRegistry(driver.Deps{
		Logger:      logger,
		HTTPClient:  &http.Client{Timeout: cfg.Server.WriteTimeout},
		ProxySigner: signer,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("failed to register drivers: %w", err)
	}
	for _, sc := range cat.StorageConfigs() {
		if err := registry.Validate(sc); err != nil {
			return fmt.Errorf("storage %q: %w", sc.ID, err)
		}
	}
	pool := driver.NewPool(registry)

	// Services
	uploads := service.NewUploadService(cat, pool, db.Repos.Sessions, db.Repos.Parts, locker, m, logger, service.UploadConfig{
		DefaultPartSize: cfg.Upload.DefaultPartSize,
		MaxPartSize:     cfg.Upload.MaxPartSize,
		SessionTTL:      cfg.Upload.SessionTTL,
		SignedURLExpiry: cfg.Upload.SignedURLExpiry,
		RetryAttempts:   cfg.Upload.RetryAttempts,
	})

	sweeper := service.NewSessionSweeper(db.Repos.Sessions, db.Repos.Parts, cat, pool, locker, m, logger, service.SweeperConfig{
		Enabled:   cfg.Upload.SweepInterval > 0,
		Interval:  cfg.Upload.SweepInterval,
		BatchSize: cfg.Upload.SweepBatchSize,
		Retention: cfg.Upload.Retention,
	})
	if cfg.Upload.SweepInterval > 0 {
		sweeper.Start()
		uploads.WithScheduler(sweeper)
	}
	defer sweeper.Stop()

	// HTTP
	router := handler.NewRouter(handler.RouterConfig{
		UploadHandler: handler.NewUploadHandler(uploads, 0, logger),
		ProxyHandler:  handler.NewProxyHandler(signer, cat, pool, logger),
		Health:        db.Health,
		Metrics:       m,
		MetricsPath:   cfg.Metrics.Path,
		CORS: handler.CORSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			MaxAge:         cfg.CORS.MaxAge,
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      http.MaxBytesHandler(router.Handler(), cfg.Server.MaxBodySize),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Int("mounts", len(cat.Mounts())).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// newLocker returns a Redis-backed locker when Redis is enabled so several
// server instances can share one ledger, and an in-process locker otherwise.
func newLocker(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (lock.Locker, func(), error) {
	if !cfg.Enabled {
		mem := lock.NewMemoryLocker()
		return mem, mem.Close, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr()).Msg("Using Redis session locks")

	return lock.NewRedisLocker(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil
}

// newProxySigner creates the proxy URL signer. Without a configured key an
// ephemeral one is generated, so proxy links do not survive a restart.
func newProxySigner(cfg config.SecurityConfig, logger zerolog.Logger) (*proxysign.Signer, error) {
	key := cfg.ProxySigningKey
	if key == "" {
		generated, err := crypto.GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		key = generated
		logger.Warn().Msg("security.proxy_signing_key is not set; using an ephemeral key")
	}

	signer, err := proxysign.NewSigner([]byte(key), cfg.ProxyBaseURL, cfg.ProxyURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy signer: %w", err)
	}
	return signer, nil
}
