// Package app wires all Voxanote subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the job
// store, blob storage, the pitch inference provider, the webhook notifier,
// the orchestrator, and the HTTP server; Run executes until the context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithJobStore,
// WithPitchProvider, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxanote/voxanote/internal/config"
	"github.com/voxanote/voxanote/internal/health"
	"github.com/voxanote/voxanote/internal/jobs"
	"github.com/voxanote/voxanote/internal/jobs/memstore"
	jobspostgres "github.com/voxanote/voxanote/internal/jobs/postgres"
	"github.com/voxanote/voxanote/internal/observe"
	"github.com/voxanote/voxanote/internal/resilience"
	"github.com/voxanote/voxanote/internal/server"
	"github.com/voxanote/voxanote/internal/storage"
	"github.com/voxanote/voxanote/internal/webhook"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// defaultStorageDir is where the local blob store lives when the config does
// not name a directory.
const defaultStorageDir = "data"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	store     jobs.Store
	artifacts storage.Store
	provider  pitch.Provider
	notifier  jobs.Notifier
	metrics   *observe.Metrics

	orch *jobs.Orchestrator
	api  *server.Server
	srv  *http.Server

	// orchDone closes when the orchestrator's Run returns.
	orchDone chan struct{}
	orchStop context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJobStore injects a job store instead of creating one from config.
func WithJobStore(s jobs.Store) Option {
	return func(a *App) { a.store = s }
}

// WithArtifactStore injects a blob store instead of creating one from config.
func WithArtifactStore(s storage.Store) Option {
	return func(a *App) { a.artifacts = s }
}

// WithPitchProvider injects an inference provider instead of building one
// from the registry.
func WithPitchProvider(p pitch.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithNotifier injects a notifier instead of creating the webhook notifier.
func WithNotifier(n jobs.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics overrides the process-wide default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		orchDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Job store ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init job store: %w", err)
	}

	// ── 2. Blob storage ──────────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 3. Pitch inference provider ──────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init inference provider: %w", err)
	}

	// ── 4. Webhook notifier ──────────────────────────────────────────────
	a.initNotifier()

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	a.orch = jobs.NewOrchestrator(a.store, a.provider, a.artifacts, a.orchestratorOptions()...)

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the configured job store backend.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		store, err := jobspostgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("job store ready", "backend", "postgres")
	default:
		a.store = memstore.New()
		slog.Info("job store ready", "backend", "memory")
	}
	return nil
}

// initStorage sets up the configured blob store backend.
func (a *App) initStorage() error {
	if a.artifacts != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StorageS3:
		s3, err := storage.NewS3(a.cfg.Storage.Bucket, a.cfg.Storage.Region, a.cfg.Storage.Prefix)
		if err != nil {
			return err
		}
		a.artifacts = s3
		slog.Info("blob storage ready", "backend", "s3", "bucket", a.cfg.Storage.Bucket)
	default:
		dir := a.cfg.Storage.Dir
		if dir == "" {
			dir = defaultStorageDir
		}
		local, err := storage.NewLocal(dir)
		if err != nil {
			return err
		}
		a.artifacts = local
		slog.Info("blob storage ready", "backend", "local", "dir", dir)
	}
	return nil
}

// initProvider builds the inference provider from the registry and, when
// fallback URLs are configured, wraps the endpoints in a failover group with
// per-endpoint circuit breakers.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}

	infCfg := a.cfg.Inference
	reg := config.DefaultRegistry()

	primary, err := reg.CreatePitch(infCfg.URL, infCfg)
	if err != nil {
		return err
	}

	if len(infCfg.FallbackURLs) == 0 {
		a.provider = primary
		slog.Info("inference provider ready", "provider", infCfg.Provider, "url", infCfg.URL)
		return nil
	}

	fb := resilience.NewPitchFallback(primary, infCfg.URL, resilience.FallbackConfig{
		CircuitBreaker: resilience.BreakerConfig{
			Name:         "pitch-inference",
			MaxFailures:  infCfg.BreakerMaxFailures,
			ResetTimeout: infCfg.BreakerResetTimeout.Std(),
		},
	})
	for _, url := range infCfg.FallbackURLs {
		p, err := reg.CreatePitch(url, infCfg)
		if err != nil {
			return fmt.Errorf("fallback %q: %w", url, err)
		}
		fb.AddFallback(url, p)
	}
	a.provider = fb
	slog.Info("inference provider ready",
		"provider", infCfg.Provider,
		"url", infCfg.URL,
		"fallbacks", len(infCfg.FallbackURLs),
	)
	return nil
}

// initNotifier creates the webhook notifier unless one was injected.
func (a *App) initNotifier() {
	if a.notifier != nil {
		return
	}
	whCfg := a.cfg.Webhook

	var opts []webhook.Option
	if whCfg.Timeout > 0 {
		opts = append(opts, webhook.WithHTTPClient(&http.Client{Timeout: whCfg.Timeout.Std()}))
	}
	if whCfg.MaxAttempts > 0 {
		opts = append(opts, webhook.WithMaxAttempts(whCfg.MaxAttempts))
	}
	opts = append(opts, webhook.WithMetrics(a.metrics))
	a.notifier = webhook.New(whCfg.Secret, opts...)
}

// orchestratorOptions translates config into orchestrator options.
func (a *App) orchestratorOptions() []jobs.Option {
	opts := []jobs.Option{
		jobs.WithNotifier(a.notifier),
		jobs.WithMetrics(a.metrics),
	}
	if n := a.cfg.Workers.Count; n > 0 {
		opts = append(opts, jobs.WithWorkers(n))
	}
	if n := a.cfg.Workers.QueueSize; n > 0 {
		opts = append(opts, jobs.WithQueueSize(n))
	}
	if hz := a.cfg.Pipeline.SampleRate; hz > 0 {
		opts = append(opts, jobs.WithSampleRate(hz))
	}
	if s := a.cfg.Pipeline.ChunkSeconds; s > 0 {
		opts = append(opts, jobs.WithChunkDuration(s))
	}
	if d := a.cfg.Inference.Timeout.Std(); d > 0 {
		opts = append(opts, jobs.WithInferenceTimeout(d))
	}
	if a.cfg.Pipeline.Preprocess {
		opts = append(opts, jobs.WithPreprocessing())
	}
	return opts
}

// buildHandler assembles the HTTP API with health checks and middleware.
func (a *App) buildHandler() http.Handler {
	checks := health.New(
		health.JobStore(a.store),
		health.Artifacts(a.artifacts),
	)

	opts := []server.Option{
		server.WithHealth(checks),
		server.WithMetrics(a.metrics),
	}
	if n := a.cfg.Server.MaxUploadBytes; n > 0 {
		opts = append(opts, server.WithMaxUploadBytes(n))
	}
	p := a.cfg.Pipeline
	if p.ConfidenceThreshold > 0 || p.MinNoteDuration > 0 || p.PitchTolerance > 0 || p.MaxMergeGap > 0 {
		opts = append(opts, server.WithSegmentationDefaults(
			p.ConfidenceThreshold, p.MinNoteDuration, p.PitchTolerance, p.MaxMergeGap))
	}
	a.api = server.New(a.orch, opts...)
	return a.api.Handler()
}

// ApplyConfigDiff pushes hot-reloadable config changes into the running
// subsystems: segmentation defaults for new submissions and webhook tuning
// for future deliveries. Log level is owned by the caller's handler.
func (a *App) ApplyConfigDiff(d config.ConfigDiff) {
	if d.PipelineChanged {
		p := d.NewPipeline
		a.api.SetSegmentationDefaults(p.ConfidenceThreshold, p.MinNoteDuration, p.PitchTolerance, p.MaxMergeGap)
		slog.Info("segmentation defaults reloaded",
			"confidence_threshold", p.ConfidenceThreshold,
			"min_note_duration", p.MinNoteDuration,
			"pitch_tolerance", p.PitchTolerance,
			"max_merge_gap", p.MaxMergeGap,
		)
	}
	if d.WebhookChanged {
		if n, ok := a.notifier.(*webhook.Notifier); ok {
			n.Reconfigure(d.NewWebhook.Secret, d.NewWebhook.MaxAttempts)
			slog.Info("webhook settings reloaded", "max_attempts", d.NewWebhook.MaxAttempts)
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the worker pool and the HTTP listener and blocks until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	orchCtx, cancel := context.WithCancel(context.Background())
	a.orchStop = cancel
	go func() {
		defer close(a.orchDone)
		if err := a.orch.Run(orchCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("orchestrator stopped", "err", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	slog.Info("listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Orchestrator exposes the job orchestrator, mainly for the process command
// and tests.
func (a *App) Orchestrator() *jobs.Orchestrator {
	return a.orch
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the HTTP listener stops accepting
// work, the worker pool drains, and backends close in order. It respects the
// context deadline; closers remaining when ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		// Stop the workers and wait for in-flight jobs to settle.
		if a.orchStop != nil {
			a.orchStop()
			select {
			case <-a.orchDone:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded waiting for workers")
				shutdownErr = ctx.Err()
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
