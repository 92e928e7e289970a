package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-letter-batch/internal/app"
	"github.com/tbourn/go-letter-batch/internal/config"
)

func serveCMD(cfg func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			log.Info().
				Str("version", version).
				Ints("batch_hours", c.Batch.Hours).
				Str("storage", c.Storage.Driver).
				Bool("debug", c.Limits.Debug).
				Msg("letterd: starting")
			return withApp(cmd.Context(), c, true, func(a *app.App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
}

func runBatchCMD(cfg func() config.Config) *cobra.Command {
	var hour int
	c := &cobra.Command{
		Use:   "run-batch",
		Short: "Process the pending requests of one batch hour now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg(), true, func(a *app.App) error {
				// A signal stops the process after the batch, not in the middle of it.
				res, err := a.Runner.ForceRunBatch(context.WithoutCancel(cmd.Context()), hour)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("batch %s finished with %d failures", res.BatchID, res.FailedCount)
				}
				return nil
			})
		},
	}
	c.Flags().IntVar(&hour, "hour", -1, "batch hour to run (must be a configured batch hour)")
	_ = c.MarkFlagRequired("hour")
	return c
}

func cleanupCMD(cfg func() config.Config) *cobra.Command {
	var days int
	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old letters, requests, history and counters, then take a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := cfg()
			if days > 0 {
				conf.Batch.RetentionDays = days
			}
			return withApp(cmd.Context(), conf, false, func(a *app.App) error {
				res := a.Scheduler.CleanupOldData(cmd.Context(), conf.Batch.RetentionDays)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return errors.New("cleanup failed")
				}
				return nil
			})
		},
	}
	c.Flags().IntVar(&days, "days", 0, "retention in days (default CLEANUP_RETENTION_DAYS)")
	return c
}

func backupCMD(cfg func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the primary document into the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg(), false, func(a *app.App) error {
				path, err := a.Store.Backup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func backupsCMD(cfg func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg(), false, func(a *app.App) error {
				list, err := a.Store.ListBackups()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, b := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\n", b.ModTime.Format(time.RFC3339), humanize.Bytes(uint64(b.Size)), b.Path)
				}
				return nil
			})
		},
	}
}

func restoreCMD(cfg func() config.Config) *cobra.Command {
	var latest bool
	c := &cobra.Command{
		Use:   "restore [backup-path]",
		Short: "Replace the primary document with a backup snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if latest == (len(args) == 1) {
				return errors.New("give either a backup path or --latest")
			}
			return withApp(cmd.Context(), cfg(), false, func(a *app.App) error {
				path := ""
				if latest {
					b, err := a.Store.LatestBackup()
					if err != nil {
						return err
					}
					path = b.Path
				} else {
					path = args[0]
				}
				if err := a.Store.Restore(cmd.Context(), path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "restored", path)
				return nil
			})
		},
	}
	c.Flags().BoolVar(&latest, "latest", false, "restore the newest snapshot")
	return c
}

func statusCMD(cfg func() config.Config) *cobra.Command {
	var days int
	c := &cobra.Command{
		Use:   "status",
		Short: "Print storage, request and batch statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg(), false, func(a *app.App) error {
				ctx := cmd.Context()
				storage, err := a.Store.Stats(ctx)
				if err != nil {
					return err
				}
				requests, err := a.Requests.Statistics(ctx)
				if err != nil {
					return err
				}
				batches, err := a.Scheduler.Statistics(ctx, days)
				if err != nil {
					return err
				}
				users, err := a.Users.Statistics(ctx)
				if err != nil {
					return err
				}
				limits, err := a.Limiter.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"version":  version,
					"runner":   a.Runner.Status(),
					"storage":  storage,
					"requests": requests,
					"batches":  batches,
					"users":    users,
					"limits":   limits,
				})
			})
		},
	}
	c.Flags().IntVar(&days, "days", 7, "batch statistics window in days")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
