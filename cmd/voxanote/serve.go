package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxanote/voxanote/internal/app"
	"github.com/voxanote/voxanote/internal/config"
	"github.com/voxanote/voxanote/internal/observe"
)

// shutdownTimeout bounds graceful shutdown: draining HTTP, waiting for
// in-flight jobs, and closing backends.
const shutdownTimeout = 15 * time.Second

var (
	serveConfigPath string
	serveWatch      bool
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "reload hot-reloadable settings when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription HTTP service",
	Long: `Serve starts the job API: clients upload recordings, poll status, and
download the exported MIDI and JSON. Workers process jobs in the background
and deliver signed webhooks on completion.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found — copy configs/example.yaml to get started", serveConfigPath)
		}
		return err
	}

	setupLogger(cfg.Server.LogLevel)
	slog.Info("voxanote starting",
		"config", serveConfigPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxanote",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	// ── Config watcher (optional) ─────────────────────────────────────────
	if serveWatch {
		watcher, err := config.NewWatcher(serveConfigPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.Empty() {
				return
			}
			if d.LogLevelChanged {
				logLevelVar.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level reloaded", "level", d.NewLogLevel)
			}
			application.ApplyConfigDiff(d)
		})
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
		slog.Info("config watcher running", "path", serveConfigPath)
	}

	slog.Info("service ready — press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
