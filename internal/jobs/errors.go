package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by [Store.Get] and the orchestrator's read
// operations when the job id is unknown.
var ErrNotFound = errors.New("jobs: not found")

// ErrNotReady is returned by [Orchestrator.GetResult] when the job has not
// completed yet.
var ErrNotReady = errors.New("jobs: result not ready")

// ErrQueueFull is returned by [Orchestrator.Submit] when the admission queue
// has no free slot.
var ErrQueueFull = errors.New("jobs: queue full")

// ErrFailed is returned by [Orchestrator.GetResult] when the job reached the
// failed state; the wrapping error carries the recorded failure message.
var ErrFailed = errors.New("jobs: job failed")

// ErrTerminal is returned by store mutators that attempt an illegal state
// transition out of completed or failed.
var ErrTerminal = errors.New("jobs: job already in terminal state")

// ErrAlreadyClaimed is returned by [Claim] when the job is no longer pending,
// i.e. another worker owns it.
var ErrAlreadyClaimed = errors.New("jobs: already claimed")

// ValidationError rejects a submission before a job record is created.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "jobs: invalid submission: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual validation failures to errors.Is/As.
func (e *ValidationError) Unwrap() []error { return e.Errs }

// PipelineStage names the step of the execution pipeline where a failure
// occurred, recorded into the job's error message for diagnosis.
type PipelineStage string

const (
	StageDecode    PipelineStage = "decode"
	StageInference PipelineStage = "inference"
	StageSegment   PipelineStage = "segment"
	StageExport    PipelineStage = "export"
	StageStorage   PipelineStage = "storage"
)

// PipelineError classifies a failure during job execution. It is captured
// into the job record rather than propagated to the submitter, who already
// received their job id.
type PipelineError struct {
	Stage PipelineStage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
