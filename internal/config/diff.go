package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true if any segmentation default changed. New jobs
	// pick the new defaults up; in-flight jobs keep the config they were
	// submitted with.
	PipelineChanged bool
	NewPipeline     PipelineConfig

	// WebhookChanged is true if the signing secret or delivery tuning
	// changed. Applies to notifications sent after the reload.
	WebhookChanged bool
	NewWebhook     WebhookConfig
}

// Empty reports whether the diff carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && !d.WebhookChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: worker-pool
// sizing, store and storage backends, and listen addresses need a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Preprocessing, sample rate, and chunking are wired into the worker
	// pool at startup; only the segmentation defaults are hot-reloadable.
	oldP, newP := old.Pipeline, new.Pipeline
	oldP.Preprocess, newP.Preprocess = false, false
	oldP.SampleRate, newP.SampleRate = 0, 0
	oldP.ChunkSeconds, newP.ChunkSeconds = 0, 0
	if oldP != newP {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Webhook != new.Webhook {
		d.WebhookChanged = true
		d.NewWebhook = new.Webhook
	}

	return d
}
