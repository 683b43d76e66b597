package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known pitch-provider names. Used by [Validate] to
// warn about unrecognised names, which may be typos or third-party providers
// registered at runtime.
var ValidProviderNames = []string{"crepe", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must be >= 0", cfg.Server.MaxUploadBytes))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Pipeline defaults
	if cfg.Pipeline.ConfidenceThreshold < 0 || cfg.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence_threshold %v is out of range [0, 1]", cfg.Pipeline.ConfidenceThreshold))
	}
	if cfg.Pipeline.MinNoteDuration < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_note_duration %v must be >= 0", cfg.Pipeline.MinNoteDuration))
	}
	if cfg.Pipeline.PitchTolerance < 0 {
		errs = append(errs, fmt.Errorf("pipeline.pitch_tolerance %v must be >= 0", cfg.Pipeline.PitchTolerance))
	}
	if cfg.Pipeline.MaxMergeGap < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_merge_gap %v must be >= 0", cfg.Pipeline.MaxMergeGap))
	}
	if cfg.Pipeline.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must be >= 0", cfg.Pipeline.SampleRate))
	}
	if cfg.Pipeline.ChunkSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunk_seconds %v must be >= 0", cfg.Pipeline.ChunkSeconds))
	}

	// Workers
	if cfg.Workers.Count < 0 {
		errs = append(errs, fmt.Errorf("workers.count %d must be >= 0", cfg.Workers.Count))
	}
	if cfg.Workers.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("workers.queue_size %d must be >= 0", cfg.Workers.QueueSize))
	}

	// Inference
	validateProviderName(cfg.Inference.Provider)
	if cfg.Inference.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Inference.URL); err != nil {
			errs = append(errs, fmt.Errorf("inference.url %q is not a valid URL", cfg.Inference.URL))
		}
	}
	for i, u := range cfg.Inference.FallbackURLs {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("inference.fallback_urls[%d] %q is not a valid URL", i, u))
		}
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreMemory && cfg.Store.PostgresDSN != "" {
		slog.Warn("store.postgres_dsn is set but store.backend is memory; the DSN is ignored")
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: local, s3", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StorageS3 {
		if cfg.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required when storage.backend is s3"))
		}
		if cfg.Storage.Region == "" {
			errs = append(errs, errors.New("storage.region is required when storage.backend is s3"))
		}
	}

	// Webhook
	if cfg.Webhook.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("webhook.max_attempts %d must be >= 0", cfg.Webhook.MaxAttempts))
	}
	if cfg.Webhook.Secret == "" {
		slog.Warn("webhook.secret is empty; webhook payloads will be signed with an empty key")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
