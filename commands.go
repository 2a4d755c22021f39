package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/ledger"
	"github.com/onnwee/live-tender/monitor"
	"github.com/onnwee/live-tender/procexec"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/transcode"
	"github.com/onnwee/live-tender/twitchapi"
)

const version = "0.1.0"

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor the channel, record live broadcasts and archive them (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), flags)
		},
	}
}

func newPendingCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List raw captures that still need an archival transcode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			files, err := layoutFor(cfg).Scan()
			if err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), files)
		},
	}
}

func newRecoverCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Transcode captures left behind by an earlier run, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			layout := layoutFor(cfg)
			if err := layout.Ensure(); err != nil {
				return err
			}
			lock, err := monitor.AcquireLock(layout)
			if err != nil {
				return err
			}
			defer releaseLock(lock)

			ctx := cmd.Context()
			led := openLedger(ctx, cfg)
			if led != nil {
				defer led.Close()
			}
			// An explicit recover retries captures the service gave up on.
			rep, err := monitor.Recover(ctx, layout, newTranscoder(cfg), historyOf(led), 0, slog.Default())
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %d  transcoded: %d  failed: %d  reconciled: %d  partials removed: %d  empty: %d\n",
				rep.Pending, rep.Transcoded, rep.Failed, rep.Reconciled, rep.PartialsRemoved, rep.Empty)
			if err != nil {
				return exitClean(err)
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d capture(s) failed to transcode", rep.Failed)
			}
			return nil
		},
	}
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if flags.channel != "" {
		cfg.TwitchChannel = strings.ToLower(strings.TrimSpace(flags.channel))
	}
	if flags.basePath != "" {
		cfg.BasePath = flags.basePath
	}
	return cfg, nil
}

func layoutFor(cfg *config.Config) monitor.Layout {
	return monitor.Layout{Base: cfg.BasePath, Channel: cfg.TwitchChannel}
}

// runMonitor is the long-running service: control loop plus HTTP server.
func runMonitor(ctx context.Context, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-tender", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	layout := layoutFor(cfg)
	if err := layout.Ensure(); err != nil {
		return err
	}
	lock, err := monitor.AcquireLock(layout)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	led := openLedger(ctx, cfg)
	if led != nil {
		defer led.Close()
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	mon, err := monitor.New(monitor.Config{
		Layout:               layout,
		PollInterval:         cfg.PollInterval,
		ErrorBackoff:         cfg.ErrorBackoff,
		MaxAuthFailures:      cfg.MaxAuthFailures,
		MaxTranscodeAttempts: cfg.TranscodeMaxAttempts,
		Logger:               slog.Default(),
	}, monitor.Deps{
		Tokens: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
			HTTPClient:   httpClient,
			Timeout:      cfg.HTTPTimeout,
			Limiter:      rate.NewLimiter(rate.Every(cfg.TokenMinInterval), 1),
		},
		Prober: &twitchapi.HelixClient{
			ClientID:   cfg.TwitchClientID,
			BaseURL:    cfg.TwitchAPIURL,
			HTTPClient: httpClient,
			Timeout:    cfg.HTTPTimeout,
		},
		Capturer: &capture.Capturer{
			Runner: procexec.ExecRunner{
				Grace:  cfg.ShutdownGrace,
				Stdout: procexec.LogWriter(slog.Default().With(slog.String("component", "capture")), "streamlink"),
			},
			Binary:    cfg.StreamlinkPath,
			Quality:   cfg.StreamQuality,
			ExtraArgs: cfg.StreamlinkArgs,
		},
		Archiver: newTranscoder(cfg),
		Ledger:   historyOf(led),
	})
	if err != nil {
		return err
	}

	slog.Info("live-tender starting",
		slog.String("channel", cfg.TwitchChannel),
		slog.String("base_path", cfg.BasePath),
		slog.String("http_addr", cfg.HTTPAddr))

	var history server.History
	if led != nil {
		history = led
	}
	handler := server.NewMux(server.NewHandlers(mon, history, layout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	if cfg.HTTPAddr != "" && cfg.HTTPAddr != "off" {
		g.Go(func() error { return server.Start(gctx, handler, cfg.HTTPAddr) })
	}
	return exitClean(g.Wait())
}

func newTranscoder(cfg *config.Config) *transcode.Transcoder {
	return &transcode.Transcoder{
		Runner: procexec.ExecRunner{Grace: cfg.ShutdownGrace},
		Binary: cfg.FFmpegPath,
		Profile: transcode.Profile{
			Height:       cfg.ArchiveHeight,
			CRF:          cfg.ArchiveCRF,
			Preset:       cfg.ArchivePreset,
			AudioBitrate: cfg.ArchiveAudioBitrate,
		},
	}
}

// openLedger opens and migrates the ledger. Failure is logged and the service runs without it.
func openLedger(ctx context.Context, cfg *config.Config) *ledger.Ledger {
	target := cfg.LedgerTarget()
	log := slog.Default().With(slog.String("component", "ledger"))
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	led, err := ledger.Open(openCtx, target)
	if err != nil {
		log.Error("ledger unavailable; continuing without history", slog.Any("err", err))
		return nil
	}
	if err := led.Migrate(openCtx); err != nil {
		log.Error("ledger migration failed; continuing without history", slog.Any("err", err))
		_ = led.Close()
		return nil
	}
	backend := "sqlite"
	if ledger.IsPostgres(target) {
		backend = "postgres"
	}
	log.Info("ledger ready", slog.String("backend", backend))
	return led
}

// historyOf avoids handing a typed nil to the monitor.
func historyOf(led *ledger.Ledger) monitor.Ledger {
	if led == nil {
		return nil
	}
	return led
}

func releaseLock(lock *monitor.Lock) {
	if err := lock.Release(); err != nil {
		slog.Warn("failed to release instance lock", slog.Any("err", err))
	}
}

func printPending(out io.Writer, files []monitor.RawFile) error {
	var pending int
	var total uint64
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tSIZE\tMODIFIED\tPATH")
	for _, f := range files {
		if f.State == monitor.FilePending {
			pending++
			total += uint64(f.Size)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.State, humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime), f.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d pending (%s)\n", pending, humanize.Bytes(total))
	return err
}

