// Package pitch defines the Provider interface for pitch-estimation backends.
//
// A pitch provider wraps a pretrained monophonic pitch model (e.g., a CREPE
// sidecar server) and exposes it as a pure function from audio samples to an
// ordered sequence of per-frame pitch estimates. The model itself is a black
// box to the rest of the system — only the frame contract matters.
//
// Implementations must be safe for concurrent use; the job orchestrator calls
// Detect from multiple workers at once.
package pitch

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxanote/voxanote/pkg/notes"
)

// ErrInference is wrapped by providers when the model backend fails
// (connection refused, model error, malformed response). Check with
// errors.Is.
var ErrInference = errors.New("pitch: inference failed")

// ModelSize selects the capacity/accuracy trade-off of the pitch model.
type ModelSize string

const (
	// ModelTiny is the fast, low-memory model. Default.
	ModelTiny ModelSize = "tiny"

	// ModelFull is the full-capacity model, noticeably slower but more
	// accurate on breathy or quiet vocals.
	ModelFull ModelSize = "full"
)

// IsValid reports whether m names a supported model size.
func (m ModelSize) IsValid() bool {
	return m == ModelTiny || m == ModelFull
}

// Request describes one inference call over a chunk of mono audio.
type Request struct {
	// Samples is mono float audio in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Model selects the model size. Empty means ModelTiny.
	Model ModelSize

	// TimeOffset is added to every returned frame's Time, so chunked
	// inference yields globally consistent timestamps.
	TimeOffset float64
}

// Validate reports whether the request is well-formed.
func (r Request) Validate() error {
	if len(r.Samples) == 0 {
		return fmt.Errorf("pitch: empty sample buffer")
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("pitch: invalid sample rate %d", r.SampleRate)
	}
	if r.Model != "" && !r.Model.IsValid() {
		return fmt.Errorf("pitch: unknown model size %q", r.Model)
	}
	return nil
}

// Provider is the abstraction over any pitch-estimation backend.
type Provider interface {
	// Detect runs pitch estimation over the request's samples and returns
	// one PitchFrame per model hop, ordered by time. Unvoiced frames carry a
	// zero frequency. Errors from the backend wrap [ErrInference].
	Detect(ctx context.Context, req Request) ([]notes.PitchFrame, error)
}
