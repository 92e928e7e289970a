// Command letterd runs the letter service: the HTTP API with the background
// batch runner, or one-shot maintenance commands against the same storage.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-letter-batch/internal/app"
	"github.com/tbourn/go-letter-batch/internal/config"
	"github.com/tbourn/go-letter-batch/internal/sysutil"
)

var version = sysutil.FirstNonEmpty(os.Getenv("VERSION"), "dev")

func main() {
	var envFile string
	var cfg config.Config

	root := &cobra.Command{
		Use:           "letterd",
		Short:         "Nightly letter generation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development.
			_ = godotenv.Load(envFile)
			c, err := config.Load()
			if err != nil {
				return err
			}
			sysutil.ConfigureLogger(os.Stderr, c.LogLevel, c.LogPretty)
			cfg = c
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cfgFn := func() config.Config { return cfg }
	root.AddCommand(
		serveCMD(cfgFn),
		runBatchCMD(cfgFn),
		cleanupCMD(cfgFn),
		backupCMD(cfgFn),
		backupsCMD(cfgFn),
		restoreCMD(cfgFn),
		statusCMD(cfgFn),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("letterd: command failed")
		os.Exit(1)
	}
}

// withApp builds the application for a command and closes it afterwards.
func withApp(ctx context.Context, cfg config.Config, generation bool, fn func(*app.App) error) error {
	a, err := app.New(ctx, cfg, app.Options{Version: version, Generation: generation})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn().Err(cerr).Msg("letterd: close")
		}
	}()
	return fn(a)
}
