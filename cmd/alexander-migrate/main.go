// Package main is the entry point for the Alexander Drives database migration tool.
// This tool manages the upload ledger schema on PostgreSQL or SQLite.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/database"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "alexander-migrate",
	Short: "Alexander Drives migration tool",
	Long: `Manages the upload ledger schema.

The backend is taken from the database section of the configuration file or
from ALEXANDER_DATABASE_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(ctx context.Context, p *goose.Provider) error {
			results, err := p.Up(ctx)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No pending migrations")
			}
			for _, r := range results {
				printResult(r)
			}
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(ctx context.Context, p *goose.Provider) error {
			r, err := p.Down(ctx)
			if err != nil {
				return err
			}
			printResult(r)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(ctx context.Context, p *goose.Provider) error {
			statuses, err := p.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tSOURCE")
			for _, s := range statuses {
				applied := "-"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
			}
			return w.Flush()
		})
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "db-version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(ctx context.Context, p *goose.Provider) error {
			v, err := p.GetDBVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Alexander Drives Migration Tool\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dbVersionCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withProvider opens the configured database and hands its goose provider to fn.
func withProvider(ctx context.Context, fn func(ctx context.Context, p *goose.Provider) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	provider, closeFn, err := db.MigrationProvider()
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, provider)
}

func printResult(r *goose.MigrationResult) {
	if r == nil || r.Source == nil {
		return
	}
	fmt.Printf("%-4s %d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
}
