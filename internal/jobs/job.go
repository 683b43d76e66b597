// Package jobs implements the asynchronous transcription job subsystem: the
// job data model and state machine, the durable store contract, and the
// orchestrator that executes the decode → infer → segment → export pipeline
// under a bounded worker pool.
package jobs

import (
	"fmt"
	"time"

	"github.com/voxanote/voxanote/internal/result"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// Status is the lifecycle state of a job. Transitions are monotone:
// pending → processing → completed | failed, and nothing leaves a terminal
// state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions maps each status to the statuses reachable from it.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether s → next is a legal state change.
func (s Status) CanTransition(next Status) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Config is the per-job processing configuration, fixed at submission.
type Config struct {
	// ModelSize selects the pitch model. Empty means tiny.
	ModelSize pitch.ModelSize `json:"model_size" yaml:"model_size"`

	// ConfidenceThreshold is the voicing threshold in [0, 1].
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// MinNoteDuration is the minimum note length in seconds.
	MinNoteDuration float64 `json:"min_note_duration" yaml:"min_note_duration"`

	// PitchTolerance is the run-continuation tolerance in semitones.
	PitchTolerance float64 `json:"pitch_tolerance" yaml:"pitch_tolerance"`

	// MaxMergeGap, when positive, fuses equal-pitch notes across gaps of at
	// most this many seconds.
	MaxMergeGap float64 `json:"max_merge_gap,omitempty" yaml:"max_merge_gap"`

	// WebhookURL, when set, receives a signed notification once the job
	// reaches a terminal state.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url"`
}

// Validate checks the submission-time constraints on cfg.
func (c Config) Validate() error {
	var errs []error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0, 1]", c.ConfidenceThreshold))
	}
	if c.ModelSize != "" && !c.ModelSize.IsValid() {
		errs = append(errs, fmt.Errorf("model_size %q is not supported (tiny, full)", c.ModelSize))
	}
	if c.MinNoteDuration < 0 {
		errs = append(errs, fmt.Errorf("min_note_duration %v must be >= 0", c.MinNoteDuration))
	}
	if c.PitchTolerance < 0 {
		errs = append(errs, fmt.Errorf("pitch_tolerance %v must be >= 0", c.PitchTolerance))
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// Job is the durable record of one orchestrated transcription run. Only the
// orchestrator executing the job mutates it; readers observe snapshots
// through [Store.Get].
type Job struct {
	// ID is an opaque, caller-unguessable identifier (UUID v4).
	ID string `json:"job_id"`

	Status Status `json:"status"`

	// Progress is a 0–100 percentage, monotonically non-decreasing within a
	// run and below 100 until the job is terminal.
	Progress int `json:"progress"`

	// AudioFilename is the client-supplied name of the uploaded recording.
	AudioFilename string `json:"audio_filename,omitempty"`

	// AudioDuration is the decoded length in seconds, set during execution.
	AudioDuration float64 `json:"audio_duration,omitempty"`

	// Config is immutable after creation.
	Config Config `json:"config"`

	// NotesDetected is the size of the resolved note sequence.
	NotesDetected int `json:"notes_detected,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ProcessingTime is CompletedAt − StartedAt in seconds.
	ProcessingTime float64 `json:"processing_time,omitempty"`

	// ErrorMessage is set iff Status is failed.
	ErrorMessage string `json:"error_message,omitempty"`

	// ResultRef points at the stored result artifact. Set iff Status is
	// completed; exactly one of ResultRef and ErrorMessage is non-empty at a
	// terminal state.
	ResultRef string `json:"result_ref,omitempty"`

	// Result is the full persisted analysis, available once completed.
	Result *result.Result `json:"-"`
}

// Snapshot returns a deep-enough copy for handing to readers: the Result
// pointer is shared but the Result itself is immutable once written.
func (j *Job) Snapshot() Job {
	return *j
}
