// Package segmenter converts the noisy per-frame pitch signal produced by the
// inference model into a clean sequence of discrete musical notes.
//
// Segmentation is a pure function of its inputs and configuration: identical
// frames and config always produce identical notes, with no side effects and
// no blocking. The algorithm is a single time-ordered scan — voicing filter,
// equal-tempered pitch quantization, run-length grouping, minimum-duration
// filter, and per-segment aggregation.
package segmenter

import (
	"math"

	"github.com/voxanote/voxanote/pkg/notes"
)

// defaultHop is the nominal frame duration assumed when the input contains a
// single frame and the spacing cannot be observed. Matches the 10 ms hop of
// the CREPE family of models.
const defaultHop = 0.01

// Config holds the segmentation tuning knobs. The zero value is not useful;
// start from [DefaultConfig].
type Config struct {
	// ConfidenceThreshold is the minimum model confidence for a frame to
	// count as voiced. Frames below it act as segment boundaries.
	ConfidenceThreshold float64

	// MinNoteDuration is the minimum length in seconds for a closed segment
	// to survive; shorter segments are discarded as detection noise, never
	// merged into neighbours.
	MinNoteDuration float64

	// PitchTolerance is the deviation in semitones that a frame may drift
	// from a segment's assigned semitone without breaking the run. Absorbed
	// deviations do not change the assigned pitch.
	PitchTolerance float64

	// MinFrequency is a noise floor in Hz; frames at or below it are treated
	// as unvoiced. Zero keeps the plain "frequency > 0" voicing rule.
	MinFrequency float64

	// Energy optionally carries per-frame RMS energies, index-aligned with
	// the input frames; a frame whose energy is at or below EnergyThreshold
	// is treated as unvoiced. Frames beyond the slice are not gated. Nil
	// disables the gate entirely.
	Energy          []float64
	EnergyThreshold float64

	// TimeOffset is added to every emitted note's start time, compensating
	// for audio trimmed away before inference.
	TimeOffset float64

	// MaxMergeGap, when positive, enables a post-pass that fuses consecutive
	// equal-pitch notes separated by gaps of at most this many seconds.
	// Short gaps arise from consonants and breaths; see [MergeSamePitch].
	MaxMergeGap float64
}

// DefaultConfig returns the segmentation defaults used when a job does not
// override them.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		MinNoteDuration:     0.05,
		PitchTolerance:      0.5,
	}
}

// run accumulates the state of the currently open segment during the scan.
type run struct {
	midi      int
	startTime float64
	lastTime  float64
	freqSum   float64
	confSum   float64
	frames    int
}

// Segment converts an ordered sequence of pitch frames into an ordered,
// non-overlapping sequence of notes according to cfg.
//
// An empty or all-unvoiced input yields an empty result, not an error. The
// nominal frame duration is derived from the spacing of the first two frames;
// a segment's end time is the time of its last frame plus one such duration.
func Segment(frames []notes.PitchFrame, cfg Config) []notes.Note {
	if len(frames) == 0 {
		return nil
	}

	hop := defaultHop
	if len(frames) >= 2 {
		if d := frames[1].Time - frames[0].Time; d > 0 {
			hop = d
		}
	}

	var result []notes.Note
	var open *run

	flush := func() {
		if open == nil {
			return
		}
		if n, ok := open.resolve(hop, cfg.MinNoteDuration); ok {
			result = append(result, n)
		}
		open = nil
	}

	for i, f := range frames {
		voiced := f.Frequency > cfg.MinFrequency && f.Frequency > 0 &&
			f.Confidence >= cfg.ConfidenceThreshold
		if voiced && cfg.Energy != nil && i < len(cfg.Energy) {
			voiced = cfg.Energy[i] > cfg.EnergyThreshold
		}
		if !voiced {
			flush()
			continue
		}

		exact := 69 + 12*math.Log2(f.Frequency/440.0)
		quantized := notes.HzToMIDI(f.Frequency)

		switch {
		case open == nil:
			open = &run{midi: quantized, startTime: f.Time}
		case quantized == open.midi || math.Abs(exact-float64(open.midi)) <= cfg.PitchTolerance:
			// Same semitone, or a drift within tolerance: the run continues
			// and keeps its assigned pitch.
		default:
			flush()
			open = &run{midi: quantized, startTime: f.Time}
		}

		open.lastTime = f.Time
		open.freqSum += f.Frequency
		open.confSum += f.Confidence
		open.frames++
	}
	flush()

	if cfg.MaxMergeGap > 0 {
		result = MergeSamePitch(result, cfg.MaxMergeGap)
	}
	if cfg.TimeOffset > 0 {
		for i := range result {
			result[i].StartTime += cfg.TimeOffset
		}
	}
	return result
}

// resolve turns the accumulated run into a Note, or reports false if the
// segment is shorter than minDuration.
func (r *run) resolve(hop, minDuration float64) (notes.Note, bool) {
	duration := r.lastTime + hop - r.startTime
	if duration < minDuration || r.frames == 0 {
		return notes.Note{}, false
	}

	conf := r.confSum / float64(r.frames)
	return notes.Note{
		MIDINumber: r.midi,
		Name:       notes.MIDIToName(r.midi),
		StartTime:  r.startTime,
		Duration:   duration,
		Frequency:  r.freqSum / float64(r.frames),
		Confidence: conf,
		Velocity:   notes.VelocityFromConfidence(conf),
	}, true
}
