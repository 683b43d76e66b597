package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxanote/voxanote/internal/midifile"
	"github.com/voxanote/voxanote/internal/observe"
	"github.com/voxanote/voxanote/internal/result"
	"github.com/voxanote/voxanote/internal/segmenter"
	"github.com/voxanote/voxanote/internal/storage"
	"github.com/voxanote/voxanote/pkg/audio"
	"github.com/voxanote/voxanote/pkg/notes"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

const (
	defaultWorkers          = 4
	defaultQueueSize        = 64
	defaultSampleRate       = 16000
	defaultChunkSeconds     = 10.0
	defaultInferenceTimeout = 60 * time.Second
)

// Preprocessing parameters, used when [WithPreprocessing] is enabled. The
// energy hop matches the 10 ms frame hop of the pitch model so energies are
// index-aligned with its frames.
const (
	trimTopDB = 30.0
	energyHop = 0.01
)

// Progress milestones. Inference advances from progressDecoded towards
// progressInferred proportionally to the chunks processed; progress never
// reaches 100 before the terminal transition.
const (
	progressDecoded   = 10
	progressInferred  = 80
	progressSegmented = 85
	progressExported  = 90
	progressStored    = 95
)

// Notifier delivers a terminal-state notification for a job. Implementations
// own their retry policy; Notify is called at most once per job, after the
// terminal transition has been persisted.
type Notifier interface {
	Notify(ctx context.Context, job Job)
}

// Submission is a request to transcribe one uploaded recording.
type Submission struct {
	// Filename is the client-supplied name, recorded for diagnostics and
	// echoed in the result metadata.
	Filename string

	// Audio is the raw uploaded file (WAV).
	Audio []byte

	// Config holds the per-job processing knobs.
	Config Config
}

// queued is one admission-queue entry: the job id plus the blob reference of
// the uploaded audio, written durably before the job became visible.
type queued struct {
	id       string
	audioRef string
}

// Orchestrator owns the job lifecycle: admission, the bounded worker pool,
// pipeline execution, and terminal notification. Submitters get a job id back
// immediately; all pipeline failures are captured into the job record.
type Orchestrator struct {
	store     Store
	provider  pitch.Provider
	artifacts storage.Store
	notifier  Notifier
	metrics   *observe.Metrics
	log       *slog.Logger

	workers          int
	sampleRate       int
	chunkSeconds     float64
	inferenceTimeout time.Duration
	preprocess       bool

	mu       sync.Mutex // serialises admission: capacity check + send
	queue    chan queued
	reserved int // slots promised to submissions still persisting their upload

	wg sync.WaitGroup // tracks in-flight notification goroutines
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithWorkers sets the number of concurrent pipeline workers.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the admission queue. Submissions beyond this many
// pending jobs are rejected with [ErrQueueFull].
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queue = make(chan queued, n)
		}
	}
}

// WithNotifier sets the terminal-state notifier. Without one, terminal
// transitions are not announced anywhere.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSampleRate sets the sample rate audio is resampled to before inference.
func WithSampleRate(hz int) Option {
	return func(o *Orchestrator) {
		if hz > 0 {
			o.sampleRate = hz
		}
	}
}

// WithChunkDuration sets how many seconds of audio each inference request
// carries.
func WithChunkDuration(seconds float64) Option {
	return func(o *Orchestrator) {
		if seconds > 0 {
			o.chunkSeconds = seconds
		}
	}
}

// WithInferenceTimeout bounds each inference request.
func WithInferenceTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.inferenceTimeout = d
		}
	}
}

// WithPreprocessing enables audio preprocessing before inference: peak
// normalisation, leading/trailing silence trim, and an adaptive per-frame
// energy gate during segmentation. Trimmed lead time is added back to note
// timestamps so they stay aligned with the original recording.
func WithPreprocessing() Option {
	return func(o *Orchestrator) { o.preprocess = true }
}

// NewOrchestrator assembles an orchestrator over the given job store, pitch
// provider, and artifact store. Call [Orchestrator.Run] to start the workers.
func NewOrchestrator(store Store, provider pitch.Provider, artifacts storage.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            store,
		provider:         provider,
		artifacts:        artifacts,
		metrics:          observe.DefaultMetrics(),
		log:              slog.Default(),
		workers:          defaultWorkers,
		sampleRate:       defaultSampleRate,
		chunkSeconds:     defaultChunkSeconds,
		inferenceTimeout: defaultInferenceTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = make(chan queued, defaultQueueSize)
	}
	return o
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained their current job. In-flight notifications are also
// waited for.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("orchestrator starting", "workers", o.workers, "queue_size", cap(o.queue))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			o.workerLoop(ctx)
			return nil
		})
	}
	err := g.Wait()
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
	return err
}

// Submit validates a submission, persists the uploaded audio and a pending
// job record, and enqueues the job. It returns the created job snapshot. A
// full queue rejects with [ErrQueueFull] before anything is persisted. The
// audio is not decoded here; format problems surface as a failed job.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (Job, error) {
	if len(sub.Audio) == 0 {
		return Job{}, &ValidationError{Errs: []error{errors.New("audio file is empty")}}
	}
	if err := sub.Config.Validate(); err != nil {
		return Job{}, err
	}
	cfg := sub.Config
	if cfg.ModelSize == "" {
		cfg.ModelSize = pitch.ModelTiny
	}

	// Reserve a queue slot before writing anything durable, so a full queue
	// rejects the submission with no blob or pending record left behind.
	// Workers only drain the queue, so a reserved slot stays free until the
	// matching send below.
	o.mu.Lock()
	if len(o.queue)+o.reserved == cap(o.queue) {
		o.mu.Unlock()
		return Job{}, ErrQueueFull
	}
	o.reserved++
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		o.reserved--
		o.mu.Unlock()
	}

	id := uuid.NewString()

	audioRef, err := o.artifacts.Put(ctx, path.Join("jobs", id, "input.wav"), sub.Audio, "audio/wav")
	if err != nil {
		release()
		return Job{}, fmt.Errorf("jobs: store upload: %w", err)
	}

	job := Job{
		ID:            id,
		Status:        StatusPending,
		AudioFilename: sub.Filename,
		Config:        cfg,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.Create(ctx, &job); err != nil {
		release()
		return Job{}, fmt.Errorf("jobs: create record: %w", err)
	}

	o.mu.Lock()
	o.reserved--
	o.queue <- queued{id: id, audioRef: audioRef}
	o.mu.Unlock()

	o.metrics.JobsSubmitted.Add(ctx, 1)
	o.metrics.QueuedJobs.Add(ctx, 1)
	o.log.Info("job submitted", "job_id", id, "filename", sub.Filename, "model", string(cfg.ModelSize))
	return job, nil
}

// GetStatus returns the latest persisted snapshot of the job.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (Job, error) {
	return o.store.Get(ctx, id)
}

// GetResult returns the completed analysis for the job. It returns
// [ErrNotReady] while the job is pending or processing and [ErrFailed] (with
// the recorded message) when the job failed. When the in-memory result is not
// available the persisted artifact is fetched from blob storage.
func (o *Orchestrator) GetResult(ctx context.Context, id string) (*result.Result, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrFailed, job.ErrorMessage)
	case StatusCompleted:
	default:
		return nil, ErrNotReady
	}

	if job.Result != nil {
		return job.Result, nil
	}
	data, err := o.artifacts.Get(ctx, job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch result %q: %w", job.ResultRef, err)
	}
	var r result.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("jobs: decode result %q: %w", job.ResultRef, err)
	}
	return &r, nil
}

// Artifact returns the exported file of the given kind ("midi" or "json")
// for a completed job, along with its content type.
func (o *Orchestrator) Artifact(ctx context.Context, id, kind string) ([]byte, string, error) {
	res, err := o.GetResult(ctx, id)
	if err != nil {
		return nil, "", err
	}

	var ref, contentType string
	switch kind {
	case "midi":
		ref, contentType = res.Files.MIDI, "audio/midi"
	case "json":
		ref, contentType = res.Files.JSON, "application/json"
	default:
		return nil, "", fmt.Errorf("jobs: unknown artifact kind %q", kind)
	}
	data, err := o.artifacts.Get(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("jobs: fetch artifact %q: %w", ref, err)
	}
	return data, contentType, nil
}

// workerLoop drains the queue until ctx is cancelled.
func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-o.queue:
			o.metrics.QueuedJobs.Add(ctx, -1)
			o.runJob(ctx, q)
		}
	}
}

// runJob claims the job and executes the pipeline, recording the outcome.
func (o *Orchestrator) runJob(ctx context.Context, q queued) {
	job, err := o.store.Update(ctx, q.id, Claim)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrTerminal) {
			o.log.Debug("job already taken", "job_id", q.id)
			return
		}
		o.log.Error("claim failed", "job_id", q.id, "error", err)
		return
	}

	o.metrics.ActiveJobs.Add(ctx, 1)
	defer o.metrics.ActiveJobs.Add(ctx, -1)

	ctx, span := observe.StartSpan(ctx, "job.execute")
	defer span.End()
	log := observe.Logger(ctx).With("job_id", job.ID)
	log.Info("job started", "filename", job.AudioFilename, "model", string(job.Config.ModelSize))

	start := time.Now()
	res, perr := o.execute(ctx, &job, q.audioRef, log)
	elapsed := time.Since(start).Seconds()

	if perr != nil {
		o.metrics.RecordPipelineError(ctx, string(perr.Stage))
		o.metrics.RecordJobDone(ctx, string(StatusFailed), elapsed)
		job = o.finish(ctx, job.ID, func(j *Job) error {
			if !j.Status.CanTransition(StatusFailed) {
				return ErrTerminal
			}
			now := time.Now().UTC()
			j.Status = StatusFailed
			j.CompletedAt = &now
			if j.StartedAt != nil {
				j.ProcessingTime = now.Sub(*j.StartedAt).Seconds()
			}
			j.ErrorMessage = perr.Error()
			return nil
		})
		log.Error("job failed", "stage", string(perr.Stage), "error", perr.Err, "duration", elapsed)
	} else {
		o.metrics.RecordJobDone(ctx, string(StatusCompleted), elapsed)
		o.metrics.NotesDetected.Add(ctx, int64(len(res.result.Notes)))
		job = o.finish(ctx, job.ID, func(j *Job) error {
			if !j.Status.CanTransition(StatusCompleted) {
				return ErrTerminal
			}
			now := time.Now().UTC()
			j.Status = StatusCompleted
			j.Progress = 100
			j.CompletedAt = &now
			if j.StartedAt != nil {
				j.ProcessingTime = now.Sub(*j.StartedAt).Seconds()
			}
			j.AudioDuration = res.audioDuration
			j.NotesDetected = len(res.result.Notes)
			j.ResultRef = res.resultRef
			j.Result = res.result
			return nil
		})
		log.Info("job completed", "notes", len(res.result.Notes), "duration", elapsed)
	}

	if o.notifier != nil && job.Config.WebhookURL != "" {
		o.wg.Add(1)
		go func(j Job) {
			defer o.wg.Done()
			o.notifier.Notify(ctx, j)
		}(job)
	}
}

// finish applies the terminal mutator and returns the persisted snapshot.
// A failure to persist the terminal state is logged; the stale snapshot is
// returned so notification still carries the observed outcome.
func (o *Orchestrator) finish(ctx context.Context, id string, mutate func(*Job) error) Job {
	job, err := o.store.Update(ctx, id, mutate)
	if err != nil {
		o.log.Error("persist terminal state failed", "job_id", id, "error", err)
		if job, err = o.store.Get(ctx, id); err != nil {
			return Job{ID: id}
		}
	}
	return job
}

// executed carries the pipeline outputs from execute to the terminal mutator.
type executed struct {
	audioDuration float64
	result        *result.Result
	resultRef     string
}

// execute runs the decode → infer → segment → export → store pipeline.
func (o *Orchestrator) execute(ctx context.Context, job *Job, audioRef string, log *slog.Logger) (*executed, *PipelineError) {
	// Fetch + decode.
	stageStart := time.Now()
	raw, err := o.artifacts.Get(ctx, audioRef)
	if err != nil {
		return nil, &PipelineError{Stage: StageStorage, Err: fmt.Errorf("fetch upload: %w", err)}
	}
	clip, err := audio.Decode(raw, o.sampleRate)
	if err != nil {
		return nil, &PipelineError{Stage: StageDecode, Err: err}
	}
	fullDuration := clip.Duration()
	o.metrics.RecordStage(ctx, string(StageDecode), time.Since(stageStart).Seconds())
	o.progress(ctx, job.ID, progressDecoded, func(j *Job) {
		j.AudioDuration = fullDuration
	})

	// Preprocessing, when enabled: normalise, trim surrounding silence, and
	// compute the per-frame energies the segmenter gates voicing on. The
	// reported audio duration above stays that of the full upload.
	var (
		timeOffset      float64
		energy          []float64
		energyThreshold float64
	)
	if o.preprocess {
		clip = audio.Normalize(clip)
		clip, timeOffset = audio.TrimSilence(clip, trimTopDB)
		energy = audio.FrameEnergy(clip, energyHop)
		energyThreshold = audio.EnergyThreshold(energy)
	}

	// Inference, chunk by chunk.
	stageStart = time.Now()
	frames, perr := o.infer(ctx, job, clip)
	if perr != nil {
		return nil, perr
	}
	o.metrics.RecordStage(ctx, string(StageInference), time.Since(stageStart).Seconds())
	o.progress(ctx, job.ID, progressInferred, nil)

	// Segmentation.
	stageStart = time.Now()
	segCfg := segmenter.Config{
		ConfidenceThreshold: job.Config.ConfidenceThreshold,
		MinNoteDuration:     job.Config.MinNoteDuration,
		PitchTolerance:      job.Config.PitchTolerance,
		Energy:              energy,
		EnergyThreshold:     energyThreshold,
		TimeOffset:          timeOffset,
	}
	ns := segmenter.Segment(frames, segCfg)
	if job.Config.MaxMergeGap > 0 {
		ns = segmenter.MergeSamePitch(ns, job.Config.MaxMergeGap)
	}
	o.metrics.RecordStage(ctx, string(StageSegment), time.Since(stageStart).Seconds())
	o.progress(ctx, job.ID, progressSegmented, func(j *Job) {
		j.NotesDetected = len(ns)
	})
	log.Debug("segmentation done", "frames", len(frames), "notes", len(ns))

	// Export.
	stageStart = time.Now()
	res := result.Assemble(ns, job.AudioFilename, fullDuration, string(job.Config.ModelSize), job.Config.ConfidenceThreshold)
	midiKey := path.Join("jobs", job.ID, "output.mid")
	jsonKey := path.Join("jobs", job.ID, "result.json")
	res.Files = result.Files{MIDI: midiKey, JSON: jsonKey}

	midiData, err := midifile.Encode(ns)
	if err != nil {
		return nil, &PipelineError{Stage: StageExport, Err: err}
	}
	jsonData, err := res.EncodeJSON()
	if err != nil {
		return nil, &PipelineError{Stage: StageExport, Err: err}
	}
	o.metrics.RecordStage(ctx, string(StageExport), time.Since(stageStart).Seconds())
	o.progress(ctx, job.ID, progressExported, nil)

	// Persist artifacts.
	stageStart = time.Now()
	midiRef, err := o.artifacts.Put(ctx, midiKey, midiData, "audio/midi")
	if err != nil {
		return nil, &PipelineError{Stage: StageStorage, Err: fmt.Errorf("store midi: %w", err)}
	}
	jsonRef, err := o.artifacts.Put(ctx, jsonKey, jsonData, "application/json")
	if err != nil {
		return nil, &PipelineError{Stage: StageStorage, Err: fmt.Errorf("store json: %w", err)}
	}
	res.Files = result.Files{MIDI: midiRef, JSON: jsonRef}
	o.metrics.RecordStage(ctx, string(StageStorage), time.Since(stageStart).Seconds())
	o.progress(ctx, job.ID, progressStored, nil)

	return &executed{
		audioDuration: fullDuration,
		result:        res,
		resultRef:     jsonRef,
	}, nil
}

// infer runs pitch detection over the clip in fixed-duration chunks,
// advancing progress proportionally.
func (o *Orchestrator) infer(ctx context.Context, job *Job, clip audio.Clip) ([]notes.PitchFrame, *PipelineError) {
	chunkSamples := int(o.chunkSeconds * float64(o.sampleRate))
	if chunkSamples <= 0 || chunkSamples > len(clip.Samples) {
		chunkSamples = len(clip.Samples)
	}
	numChunks := (len(clip.Samples) + chunkSamples - 1) / chunkSamples
	if numChunks == 0 {
		return nil, nil
	}

	var frames []notes.PitchFrame
	for i := 0; i < numChunks; i++ {
		lo := i * chunkSamples
		hi := lo + chunkSamples
		if hi > len(clip.Samples) {
			hi = len(clip.Samples)
		}

		req := pitch.Request{
			Samples:    clip.Samples[lo:hi],
			SampleRate: clip.SampleRate,
			Model:      job.Config.ModelSize,
			TimeOffset: float64(lo) / float64(clip.SampleRate),
		}

		callCtx, cancel := context.WithTimeout(ctx, o.inferenceTimeout)
		callStart := time.Now()
		chunkFrames, err := o.provider.Detect(callCtx, req)
		cancel()
		o.metrics.InferenceDuration.Record(ctx, time.Since(callStart).Seconds(),
			metricModelAttr(string(job.Config.ModelSize)))
		if err != nil {
			return nil, &PipelineError{Stage: StageInference, Err: err}
		}
		frames = append(frames, chunkFrames...)

		pct := progressDecoded + (i+1)*(progressInferred-progressDecoded)/numChunks
		o.progress(ctx, job.ID, pct, nil)
	}
	return frames, nil
}

func metricModelAttr(model string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("model", model))
}

// progress raises the job's progress to pct, never lowering it, and applies
// the optional extra mutation. Errors are logged and otherwise ignored —
// progress is advisory.
func (o *Orchestrator) progress(ctx context.Context, id string, pct int, extra func(*Job)) {
	_, err := o.store.Update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		if pct > j.Progress && pct < 100 {
			j.Progress = pct
		}
		if extra != nil {
			extra(j)
		}
		return nil
	})
	if err != nil {
		o.log.Warn("progress update failed", "job_id", id, "error", err)
	}
}
