package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-drives/internal/catalog"
	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/database"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/drivers"
	"github.com/prn-tf/alexander-drives/internal/lock"
	"github.com/prn-tf/alexander-drives/internal/service"
)

var (
	uploadsMount  string
	uploadsPrefix string
	uploadsUser   string
	uploadsLimit  int
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and operate on resumable uploads",
}

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
			out, err := s.uploads.ListMultipartUploads(ctx, service.ListUploadsInput{
				MountID:    uploadsMount,
				PathPrefix: uploadsPrefix,
				UserID:     uploadsUser,
				Limit:      uploadsLimit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOAD ID\tSTRATEGY\tSTATUS\tPROGRESS\tEXPIRES\tPATH")
			for _, u := range out.Uploads {
				expires := "-"
				if u.ExpiresAt != nil {
					expires = u.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					u.UploadID, u.Strategy, u.Status, u.BytesUploaded, u.FileSize, expires, u.Path)
			}
			return w.Flush()
		})
	},
}

var uploadsResumeCmd = &cobra.Command{
	Use:   "resume <upload-id> <file>",
	Short: "Continue an interrupted server upload from a local file",
	Long: `Asks the provider which bytes it already holds and sends the rest of the
local file. The file must be the same content the upload was started with.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadsMount == "" {
			return fmt.Errorf("--mount is required")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
			out, err := s.uploads.ResumeUpload(ctx, service.ResumeUploadInput{
				MountID:  uploadsMount,
				UploadID: args[0],
				Body:     f,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			fmt.Printf("Completed %s (%d bytes) at %s\n", out.UploadID, out.Size, out.StoragePath)
			return nil
		})
	},
}

var uploadsAbortCmd = &cobra.Command{
	Use:   "abort <upload-id>",
	Short: "Cancel a resumable upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadsMount == "" {
			return fmt.Errorf("--mount is required")
		}
		return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
			out, err := s.uploads.AbortFrontendMultipartUpload(ctx, service.AbortUploadInput{
				MountID:  uploadsMount,
				UploadID: args[0],
			})
			if err != nil {
				return err
			}
			fmt.Printf("Aborted %s\n", args[0])
			for _, w := range out.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		})
	},
}

var uploadsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale sessions and prune finished rows once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
			res := s.sweeper.RunOnce(ctx)
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("expired=%d released=%d deleted=%d errors=%d duration=%s\n",
				res.Expired, res.Released, res.Deleted, res.Errors, res.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

func init() {
	uploadsCmd.PersistentFlags().StringVarP(&uploadsMount, "mount", "m", "", "Mount id")
	uploadsListCmd.Flags().StringVar(&uploadsPrefix, "prefix", "", "Only uploads under this mount-relative path")
	uploadsListCmd.Flags().StringVar(&uploadsUser, "user", "", "Only uploads started by this user id")
	uploadsListCmd.Flags().IntVar(&uploadsLimit, "limit", 0, "Maximum number of uploads")

	uploadsCmd.AddCommand(uploadsListCmd)
	uploadsCmd.AddCommand(uploadsResumeCmd)
	uploadsCmd.AddCommand(uploadsAbortCmd)
	uploadsCmd.AddCommand(uploadsSweepCmd)
}

// services is the slice of the server the uploads commands run against.
// Locks are process local, so commands should not race a running server on
// the same upload.
type services struct {
	uploads *service.UploadService
	sweeper *service.SessionSweeper
}

func withServices(ctx context.Context, fn func(ctx context.Context, s *services) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to load storage catalog: %w", err)
	}
	reg, err := drivers.NewRegistry(driver.Deps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: cfg.Server.WriteTimeout},
	})
	if err != nil {
		return err
	}
	pool := driver.NewPool(reg)

	locker := lock.NewMemoryLocker()
	defer locker.Close()

	uploads := service.NewUploadService(cat, pool, db.Repos.Sessions, db.Repos.Parts, locker, nil, logger, uploadConfig(cfg.Upload))
	sweeper := service.NewSessionSweeper(db.Repos.Sessions, db.Repos.Parts, cat, pool, locker, nil, logger, service.SweeperConfig{
		BatchSize: cfg.Upload.SweepBatchSize,
		Retention: cfg.Upload.Retention,
	})

	return fn(ctx, &services{uploads: uploads, sweeper: sweeper})
}

func uploadConfig(c config.UploadConfig) service.UploadConfig {
	return service.UploadConfig{
		DefaultPartSize: c.DefaultPartSize,
		MaxPartSize:     c.MaxPartSize,
		SessionTTL:      c.SessionTTL,
		SignedURLExpiry: c.SignedURLExpiry,
		RetryAttempts:   c.RetryAttempts,
	}
}
