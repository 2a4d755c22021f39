// Command live-tender watches one Twitch channel and archives every broadcast.
// It:
//   - Loads configuration (env, optional .env, flags) and initializes structured logging.
//   - Polls the channel status with an app access token, refreshing it when rejected.
//   - Records live broadcasts with streamlink and re-encodes each finished capture with ffmpeg.
//   - Recovers captures left behind by an earlier run before polling starts.
//   - Exposes /healthz, /readyz, /status, /captures and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	channel  string
	basePath string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "live-tender",
		Short:         "Record a Twitch channel whenever it goes live and archive each broadcast",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(cmd.ErrOrStderr()))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.channel, "channel", "", "Channel login to monitor (overrides TWITCH_CHANNEL)")
	rootCmd.PersistentFlags().StringVar(&flags.basePath, "base-path", "", "Root of the recorded/processed trees (overrides BASE_PATH)")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newPendingCommand(flags))
	rootCmd.AddCommand(newRecoverCommand(flags))
	return rootCmd
}

// newLogger configures logging (level + format). Defaults: level=info, format=text.
func newLogger(w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	var unknown string
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		unknown = os.Getenv("LOG_LEVEL")
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if unknown != "" {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", unknown))
	}
	return logger
}

// exitClean maps a shutdown-induced cancellation to a clean exit.
func exitClean(err error) error {
	if errors.Is(err, context.Canceled) {
		slog.Info("shutdown complete")
		return nil
	}
	return err
}
