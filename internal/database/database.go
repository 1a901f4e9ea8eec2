// Package database opens the configured ledger backend and exposes its
// repositories and migration provider.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/repository"
	"github.com/prn-tf/alexander-drives/internal/repository/postgres"
	"github.com/prn-tf/alexander-drives/internal/repository/sqlite"
)

// Database is an open ledger backend.
type Database struct {
	Repos  *repository.Repositories
	Health repository.DatabaseHealth

	migrations func() (*goose.Provider, func() error, error)
	migrate    func(ctx context.Context) error
	driver     string
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Database, error) {
	logger = logger.With().Str("component", "database").Logger()

	switch cfg.Driver {
	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		sqliteCfg := sqlite.DefaultConfig(cfg.Path)
		if cfg.JournalMode != "" {
			sqliteCfg.JournalMode = cfg.JournalMode
		}
		if cfg.BusyTimeout > 0 {
			sqliteCfg.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.CacheSize != 0 {
			sqliteCfg.CacheSize = cfg.CacheSize
		}
		if cfg.SynchronousMode != "" {
			sqliteCfg.SynchronousMode = cfg.SynchronousMode
		}

		db, err := sqlite.NewDB(ctx, sqliteCfg, logger)
		if err != nil {
			return nil, err
		}
		return &Database{
			Repos: &repository.Repositories{
				Sessions: sqlite.NewUploadSessionRepository(db),
				Parts:    sqlite.NewUploadPartRepository(db),
			},
			Health: db,
			migrations: func() (*goose.Provider, func() error, error) {
				p, err := sqlite.NewMigrationProvider(db.DB())
				return p, func() error { return nil }, err
			},
			migrate: db.Migrate,
			driver:  cfg.Driver,
		}, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Database{
			Repos: &repository.Repositories{
				Sessions: postgres.NewUploadSessionRepository(db),
				Parts:    postgres.NewUploadPartRepository(db),
			},
			Health:     db,
			migrations: db.MigrationProvider,
			migrate:    db.Migrate,
			driver:     cfg.Driver,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Driver returns the backend name.
func (d *Database) Driver() string {
	return d.driver
}

// Migrate applies pending migrations.
func (d *Database) Migrate(ctx context.Context) error {
	return d.migrate(ctx)
}

// MigrationProvider returns a goose provider for the backend. The caller
// invokes closeFn when done.
func (d *Database) MigrationProvider() (provider *goose.Provider, closeFn func() error, err error) {
	return d.migrations()
}

// Close releases the connection pool.
func (d *Database) Close() error {
	return d.Health.Close()
}
