// Package result packages a resolved note sequence with its run metadata
// into the shape that is persisted with the job and exported as JSON.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxanote/voxanote/pkg/notes"
)

// Metadata describes the analysis run that produced a result.
type Metadata struct {
	// InputFile is the client-supplied filename of the recording.
	InputFile string `json:"input_file,omitempty"`

	// AudioDuration is the decoded recording length in seconds.
	AudioDuration float64 `json:"audio_duration"`

	// ModelSize is the pitch model used ("tiny" or "full").
	ModelSize string `json:"model_size"`

	// ConfidenceThreshold is the voicing threshold the segmenter applied.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// NotesDetected is the length of the note sequence.
	NotesDetected int `json:"notes_detected"`

	// ProcessedAt is when the pipeline finished, UTC.
	ProcessedAt time.Time `json:"processed_at"`
}

// Files holds blob-storage references to the exported artifacts.
type Files struct {
	MIDI string `json:"midi,omitempty"`
	JSON string `json:"json,omitempty"`
}

// Result is the completed analysis: metadata, the ordered note sequence, and
// references to the generated output files. Created once per job, immutable
// afterwards.
type Result struct {
	Metadata Metadata     `json:"metadata"`
	Notes    []notes.Note `json:"notes"`
	Files    Files        `json:"files,omitempty"`
}

// Assemble builds a Result from a resolved note sequence and run parameters.
// ProcessedAt is stamped with the current UTC time.
func Assemble(ns []notes.Note, inputFile string, audioDuration float64, modelSize string, confidenceThreshold float64) *Result {
	if ns == nil {
		ns = []notes.Note{}
	}
	return &Result{
		Metadata: Metadata{
			InputFile:           inputFile,
			AudioDuration:       audioDuration,
			ModelSize:           modelSize,
			ConfidenceThreshold: confidenceThreshold,
			NotesDetected:       len(ns),
			ProcessedAt:         time.Now().UTC(),
		},
		Notes: ns,
	}
}

// EncodeJSON renders the result as indented JSON for the exported artifact.
func (r *Result) EncodeJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("result: encode json: %w", err)
	}
	return buf.Bytes(), nil
}
