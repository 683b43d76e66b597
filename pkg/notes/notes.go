// Package notes defines the shared data model of the Voxanote analysis
// pipeline: per-frame pitch estimates and the discrete musical notes resolved
// from them.
//
// These types form the lingua franca between the pitch provider, the note
// segmenter, and the result/export layers. They are pure data — all behaviour
// lives in the packages that consume them.
package notes

import (
	"encoding/json"
	"fmt"
	"math"
)

// PitchFrame is one fixed-size time slice of pitch analysis produced by the
// inference model. Frames are immutable once produced; a sequence of frames
// is owned by exactly one segmentation call.
type PitchFrame struct {
	// Time is the offset of this frame in seconds from the start of the
	// audio. Monotonically increasing within a sequence.
	Time float64 `json:"time"`

	// Frequency is the detected fundamental frequency in Hz. Zero means the
	// frame is unvoiced (silence, breath, consonant).
	Frequency float64 `json:"frequency"`

	// Confidence is the model's periodicity/voicing certainty in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Note is a detected musical event, aggregated from a contiguous run of
// voiced frames. Notes are immutable once created and owned by their Result.
type Note struct {
	// MIDINumber is the quantized pitch as a MIDI note number (0–127).
	MIDINumber int `json:"midi_number"`

	// Name is the scientific pitch name derived from MIDINumber, with octave
	// numbering such that MIDI 60 is "C4".
	Name string `json:"note_name"`

	// StartTime is the onset in seconds from the start of the audio.
	StartTime float64 `json:"start_time"`

	// Duration is the length of the note in seconds. Always > 0.
	Duration float64 `json:"duration"`

	// Frequency is the mean frequency in Hz of the constituent frames.
	Frequency float64 `json:"frequency_hz"`

	// Confidence is the mean confidence of the constituent frames, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Velocity is the MIDI velocity (0–127) derived linearly from Confidence.
	Velocity int `json:"velocity"`
}

// EndTime returns StartTime + Duration.
func (n Note) EndTime() float64 {
	return n.StartTime + n.Duration
}

// MarshalJSON emits the note with the derived end_time field included, so
// that serialized results carry the full field set without consumers having
// to recompute it.
func (n Note) MarshalJSON() ([]byte, error) {
	type alias Note // drops methods to avoid marshal recursion
	return json.Marshal(struct {
		alias
		EndTime float64 `json:"end_time"`
	}{alias(n), n.EndTime()})
}

// noteNames are the twelve pitch classes in ascending semitone order.
// Sharps only — the segmenter never emits flat spellings.
var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// HzToMIDI maps a frequency to the nearest MIDI semitone number using the
// 12-tone equal-tempered relation anchored at A4 = 440 Hz = 69.
//
// A frequency exactly between two semitones resolves to the lower number
// (round half down). The result is clamped to the valid MIDI range 0–127.
// f must be > 0.
func HzToMIDI(f float64) int {
	m := roundHalfDown(69 + 12*math.Log2(f/440.0))
	if m < 0 {
		return 0
	}
	if m > 127 {
		return 127
	}
	return m
}

// MIDIToHz returns the equal-tempered frequency of a MIDI note number.
func MIDIToHz(midi int) float64 {
	return 440.0 * math.Pow(2, float64(midi-69)/12.0)
}

// MIDIToName converts a MIDI note number to its scientific pitch name,
// e.g. 60 → "C4", 69 → "A4", 70 → "A#4".
func MIDIToName(midi int) string {
	octave := midi/12 - 1
	return fmt.Sprintf("%s%d", noteNames[midi%12], octave)
}

// VelocityFromConfidence maps a confidence value in [0, 1] linearly onto the
// MIDI velocity range [1, 127], clamping out-of-range inputs.
func VelocityFromConfidence(conf float64) int {
	v := int(math.Round(1 + conf*126))
	if v < 1 {
		return 1
	}
	if v > 127 {
		return 127
	}
	return v
}

// roundHalfDown rounds to the nearest integer, resolving exact .5 ties
// downward. math.Round ties away from zero, which would be unstable for a
// frame equidistant between two semitones.
func roundHalfDown(x float64) int {
	return int(math.Ceil(x - 0.5))
}
