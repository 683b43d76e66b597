// Package observe provides application-wide observability primitives for
// Voxanote: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxanote metrics.
const meterName = "github.com/voxanote/voxanote"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JobDuration tracks wall-clock time per job from claim to terminal
	// state. Use with attribute.String("status", ...).
	JobDuration metric.Float64Histogram

	// StageDuration tracks latency per pipeline stage. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// InferenceDuration tracks pitch-model inference latency per chunk. Use
	// with attribute.String("model", ...).
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// JobsSubmitted counts accepted submissions.
	JobsSubmitted metric.Int64Counter

	// JobsCompleted counts jobs that reached a terminal state. Use with
	// attribute.String("status", ...).
	JobsCompleted metric.Int64Counter

	// NotesDetected counts notes emitted by completed jobs.
	NotesDetected metric.Int64Counter

	// WebhookDeliveries counts webhook delivery attempts. Use with
	// attribute.String("status", ...).
	WebhookDeliveries metric.Int64Counter

	// --- Error counters ---

	// PipelineErrors counts job failures by pipeline stage. Use with
	// attribute.String("stage", ...).
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of jobs currently executing.
	ActiveJobs metric.Int64UpDownCounter

	// QueuedJobs tracks the admission-queue depth.
	QueuedJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// audio-pipeline latencies, which run from sub-second stages up to
// whole-recording inference passes.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("voxanote.job.duration",
		metric.WithDescription("Wall-clock job duration from claim to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("voxanote.stage.duration",
		metric.WithDescription("Latency per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("voxanote.inference.duration",
		metric.WithDescription("Pitch-model inference latency per audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsSubmitted, err = m.Int64Counter("voxanote.jobs.submitted",
		metric.WithDescription("Total accepted job submissions."),
	); err != nil {
		return nil, err
	}
	if met.JobsCompleted, err = m.Int64Counter("voxanote.jobs.completed",
		metric.WithDescription("Total jobs reaching a terminal state, by status."),
	); err != nil {
		return nil, err
	}
	if met.NotesDetected, err = m.Int64Counter("voxanote.notes.detected",
		metric.WithDescription("Total notes emitted by completed jobs."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveries, err = m.Int64Counter("voxanote.webhook.deliveries",
		metric.WithDescription("Total webhook delivery attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PipelineErrors, err = m.Int64Counter("voxanote.pipeline.errors",
		metric.WithDescription("Total job failures by pipeline stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("voxanote.active_jobs",
		metric.WithDescription("Number of jobs currently executing."),
	); err != nil {
		return nil, err
	}
	if met.QueuedJobs, err = m.Int64UpDownCounter("voxanote.queued_jobs",
		metric.WithDescription("Admission-queue depth."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxanote.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one pipeline-stage latency sample.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordJobDone records a terminal job: its duration histogram sample and the
// completion counter, both tagged with the terminal status.
func (m *Metrics) RecordJobDone(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.JobDuration.Record(ctx, seconds, attrs)
	m.JobsCompleted.Add(ctx, 1, attrs)
}

// RecordPipelineError records a job failure attributed to a pipeline stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordWebhookDelivery records one webhook delivery attempt outcome.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, status string) {
	m.WebhookDeliveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
