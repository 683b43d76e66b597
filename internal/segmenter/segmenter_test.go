package segmenter

import (
	"math"
	"reflect"
	"testing"

	"github.com/voxanote/voxanote/pkg/notes"
)

// constantFrames builds n frames spaced hop seconds apart, all at the given
// frequency and confidence.
func constantFrames(n int, hop, freq, conf float64) []notes.PitchFrame {
	frames := make([]notes.PitchFrame, n)
	for i := range frames {
		frames[i] = notes.PitchFrame{
			Time:       float64(i) * hop,
			Frequency:  freq,
			Confidence: conf,
		}
	}
	return frames
}

func TestSegment_EmptyInput(t *testing.T) {
	if got := Segment(nil, DefaultConfig()); len(got) != 0 {
		t.Errorf("Segment(nil) = %v, want empty", got)
	}
	if got := Segment([]notes.PitchFrame{}, DefaultConfig()); len(got) != 0 {
		t.Errorf("Segment(empty) = %v, want empty", got)
	}
}

func TestSegment_AllUnvoiced(t *testing.T) {
	frames := constantFrames(20, 0.01, 0, 0)
	if got := Segment(frames, DefaultConfig()); len(got) != 0 {
		t.Errorf("all-unvoiced input produced %d notes, want 0", len(got))
	}
}

func TestSegment_AllBelowThreshold(t *testing.T) {
	frames := constantFrames(20, 0.01, 440, 0.3)
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0.9
	if got := Segment(frames, cfg); len(got) != 0 {
		t.Errorf("below-threshold input produced %d notes, want 0", len(got))
	}
}

// Ten frames at 0.1 s spacing, constant 440 Hz, confidence 0.99, threshold
// 0.95: exactly one A4 spanning the whole input.
func TestSegment_SingleSteadyNote(t *testing.T) {
	frames := constantFrames(10, 0.1, 440, 0.99)
	cfg := Config{ConfidenceThreshold: 0.95, MinNoteDuration: 0.05, PitchTolerance: 0.5}

	got := Segment(frames, cfg)
	if len(got) != 1 {
		t.Fatalf("got %d notes, want 1", len(got))
	}
	n := got[0]
	if n.MIDINumber != 69 {
		t.Errorf("MIDINumber = %d, want 69", n.MIDINumber)
	}
	if n.Name != "A4" {
		t.Errorf("Name = %q, want A4", n.Name)
	}
	if n.StartTime != 0.0 {
		t.Errorf("StartTime = %v, want 0.0", n.StartTime)
	}
	if math.Abs(n.EndTime()-1.0) > 1e-9 {
		t.Errorf("EndTime = %v, want 1.0", n.EndTime())
	}
	if math.Abs(n.Frequency-440) > 1e-9 {
		t.Errorf("Frequency = %v, want 440", n.Frequency)
	}
}

// Alternating voiced/unvoiced frames produce one-frame runs; with a minimum
// duration above the frame spacing every run is dropped.
func TestSegment_AlternatingRunsDropped(t *testing.T) {
	frames := make([]notes.PitchFrame, 10)
	for i := range frames {
		frames[i] = notes.PitchFrame{Time: float64(i) * 0.1}
		if i%2 == 0 {
			frames[i].Frequency = 440
			frames[i].Confidence = 0.99
		}
	}
	cfg := Config{ConfidenceThreshold: 0.95, MinNoteDuration: 0.15, PitchTolerance: 0.5}
	if got := Segment(frames, cfg); len(got) != 0 {
		t.Errorf("got %d notes, want 0", len(got))
	}
}

func TestSegment_PitchChangeSplitsRun(t *testing.T) {
	var frames []notes.PitchFrame
	for i := 0; i < 20; i++ {
		f := notes.PitchFrame{Time: float64(i) * 0.05, Confidence: 0.99}
		if i < 10 {
			f.Frequency = 440 // A4
		} else {
			f.Frequency = 523.25 // C5, well outside any tolerance
		}
		frames = append(frames, f)
	}
	cfg := Config{ConfidenceThreshold: 0.9, MinNoteDuration: 0.05, PitchTolerance: 0.5}

	got := Segment(frames, cfg)
	if len(got) != 2 {
		t.Fatalf("got %d notes, want 2", len(got))
	}
	if got[0].MIDINumber != 69 || got[1].MIDINumber != 72 {
		t.Errorf("MIDI numbers = %d, %d, want 69, 72", got[0].MIDINumber, got[1].MIDINumber)
	}
	if got[1].StartTime < got[0].EndTime() {
		t.Errorf("notes overlap: first ends %v, second starts %v", got[0].EndTime(), got[1].StartTime)
	}
}

// A vibrato-like wobble whose frames sometimes quantize to the neighbouring
// semitone stays one note when the deviation is within tolerance, and the
// assigned pitch does not drift.
func TestSegment_ToleranceAbsorbsVibrato(t *testing.T) {
	a4 := 440.0
	wobble := a4 * math.Pow(2, 0.55/12.0) // 0.55 semitones sharp, quantizes to 70
	var frames []notes.PitchFrame
	for i := 0; i < 20; i++ {
		freq := a4
		if i%4 == 3 {
			freq = wobble
		}
		frames = append(frames, notes.PitchFrame{Time: float64(i) * 0.01, Frequency: freq, Confidence: 0.99})
	}
	cfg := Config{ConfidenceThreshold: 0.9, MinNoteDuration: 0.05, PitchTolerance: 0.6}

	got := Segment(frames, cfg)
	if len(got) != 1 {
		t.Fatalf("got %d notes, want 1", len(got))
	}
	if got[0].MIDINumber != 69 {
		t.Errorf("assigned pitch drifted to %d, want 69", got[0].MIDINumber)
	}
}

func TestSegment_ShortSegmentDiscardedNotMerged(t *testing.T) {
	// A long A4 run, a single C5 blip, then more A4. The blip must vanish
	// entirely, leaving two A4 notes rather than one stretched one.
	var frames []notes.PitchFrame
	for i := 0; i < 21; i++ {
		f := notes.PitchFrame{Time: float64(i) * 0.05, Confidence: 0.99, Frequency: 440}
		if i == 10 {
			f.Frequency = 523.25
		}
		frames = append(frames, f)
	}
	cfg := Config{ConfidenceThreshold: 0.9, MinNoteDuration: 0.08, PitchTolerance: 0.5}

	got := Segment(frames, cfg)
	if len(got) != 2 {
		t.Fatalf("got %d notes, want 2", len(got))
	}
	for i, n := range got {
		if n.MIDINumber != 69 {
			t.Errorf("note %d: MIDINumber = %d, want 69", i, n.MIDINumber)
		}
	}
}

func TestSegment_Deterministic(t *testing.T) {
	var frames []notes.PitchFrame
	for i := 0; i < 100; i++ {
		frames = append(frames, notes.PitchFrame{
			Time:       float64(i) * 0.01,
			Frequency:  200 + float64(i%30)*10,
			Confidence: 0.5 + float64(i%5)*0.1,
		})
	}
	cfg := DefaultConfig()
	first := Segment(frames, cfg)
	second := Segment(frames, cfg)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical input and config produced different output")
	}
}

func TestSegment_Invariants(t *testing.T) {
	var frames []notes.PitchFrame
	for i := 0; i < 200; i++ {
		frames = append(frames, notes.PitchFrame{
			Time:       float64(i) * 0.01,
			Frequency:  float64(100 + (i*37)%500),
			Confidence: float64((i*13)%100) / 100,
		})
	}
	cfg := Config{ConfidenceThreshold: 0.4, MinNoteDuration: 0.02, PitchTolerance: 0.3}

	got := Segment(frames, cfg)
	for i, n := range got {
		if n.Duration < cfg.MinNoteDuration {
			t.Errorf("note %d: duration %v below minimum %v", i, n.Duration, cfg.MinNoteDuration)
		}
		if math.Abs(n.EndTime()-(n.StartTime+n.Duration)) > 1e-12 {
			t.Errorf("note %d: end time inconsistent", i)
		}
		if i > 0 {
			if n.StartTime <= got[i-1].StartTime {
				t.Errorf("note %d: not strictly ordered by start time", i)
			}
			if n.StartTime < got[i-1].EndTime()-1e-9 {
				t.Errorf("note %d: overlaps previous (start %v < prev end %v)", i, n.StartTime, got[i-1].EndTime())
			}
		}
		if n.Velocity < 1 || n.Velocity > 127 {
			t.Errorf("note %d: velocity %d out of range", i, n.Velocity)
		}
	}
}

func TestSegment_MinFrequencyFloor(t *testing.T) {
	frames := constantFrames(10, 0.01, 60, 0.99) // below an 80 Hz floor
	cfg := DefaultConfig()
	cfg.MinFrequency = 80
	if got := Segment(frames, cfg); len(got) != 0 {
		t.Errorf("sub-floor frequency produced %d notes, want 0", len(got))
	}
}

// Frames 8–11 carry energy below the threshold, so a steady pitch splits into
// two notes around the quiet stretch.
func TestSegment_EnergyGateSplitsRun(t *testing.T) {
	frames := constantFrames(20, 0.1, 440, 0.99)
	energy := make([]float64, 20)
	for i := range energy {
		energy[i] = 0.5
	}
	for i := 8; i < 12; i++ {
		energy[i] = 0.001
	}
	cfg := Config{
		ConfidenceThreshold: 0.95,
		MinNoteDuration:     0.05,
		PitchTolerance:      0.5,
		Energy:              energy,
		EnergyThreshold:     0.01,
	}

	got := Segment(frames, cfg)
	if len(got) != 2 {
		t.Fatalf("got %d notes, want 2", len(got))
	}
	if got[0].StartTime != 0.0 {
		t.Errorf("first StartTime = %v, want 0.0", got[0].StartTime)
	}
	if math.Abs(got[0].EndTime()-0.8) > 1e-9 {
		t.Errorf("first EndTime = %v, want 0.8", got[0].EndTime())
	}
	if math.Abs(got[1].StartTime-1.2) > 1e-9 {
		t.Errorf("second StartTime = %v, want 1.2", got[1].StartTime)
	}
}

// An energy slice shorter than the input gates only the frames it covers.
func TestSegment_EnergyGateShortSlice(t *testing.T) {
	frames := constantFrames(10, 0.1, 440, 0.99)
	cfg := Config{
		ConfidenceThreshold: 0.95,
		MinNoteDuration:     0.05,
		PitchTolerance:      0.5,
		Energy:              make([]float64, 5), // all zero, below threshold
		EnergyThreshold:     0.01,
	}

	got := Segment(frames, cfg)
	if len(got) != 1 {
		t.Fatalf("got %d notes, want 1", len(got))
	}
	if math.Abs(got[0].StartTime-0.5) > 1e-9 {
		t.Errorf("StartTime = %v, want 0.5", got[0].StartTime)
	}
}

func TestSegment_TimeOffsetShiftsStarts(t *testing.T) {
	frames := constantFrames(10, 0.1, 440, 0.99)
	cfg := Config{
		ConfidenceThreshold: 0.95,
		MinNoteDuration:     0.05,
		PitchTolerance:      0.5,
		TimeOffset:          2.5,
	}

	got := Segment(frames, cfg)
	if len(got) != 1 {
		t.Fatalf("got %d notes, want 1", len(got))
	}
	if math.Abs(got[0].StartTime-2.5) > 1e-9 {
		t.Errorf("StartTime = %v, want 2.5", got[0].StartTime)
	}
	if math.Abs(got[0].Duration-1.0) > 1e-9 {
		t.Errorf("Duration = %v, want 1.0 (offset must not stretch the note)", got[0].Duration)
	}
}

func TestMergeSamePitch(t *testing.T) {
	ns := []notes.Note{
		{MIDINumber: 69, Name: "A4", StartTime: 0.0, Duration: 0.2, Frequency: 440, Confidence: 0.9},
		{MIDINumber: 69, Name: "A4", StartTime: 0.25, Duration: 0.2, Frequency: 442, Confidence: 0.8},
		{MIDINumber: 72, Name: "C5", StartTime: 0.5, Duration: 0.2, Frequency: 523, Confidence: 0.9},
	}
	got := MergeSamePitch(ns, 0.08)
	if len(got) != 2 {
		t.Fatalf("got %d notes, want 2", len(got))
	}
	first := got[0]
	if math.Abs(first.Duration-0.45) > 1e-9 {
		t.Errorf("merged duration = %v, want 0.45", first.Duration)
	}
	if first.Frequency <= 440 || first.Frequency >= 442 {
		t.Errorf("merged frequency = %v, want weighted value between 440 and 442", first.Frequency)
	}
	// Equal part durations weigh both halves evenly; the gap adds duration
	// but no weight.
	if math.Abs(first.Frequency-441) > 1e-9 {
		t.Errorf("merged frequency = %v, want 441", first.Frequency)
	}
	if math.Abs(first.Confidence-0.85) > 1e-9 {
		t.Errorf("merged confidence = %v, want 0.85", first.Confidence)
	}
	if want := notes.VelocityFromConfidence(first.Confidence); first.Velocity != want {
		t.Errorf("merged velocity = %d, want %d", first.Velocity, want)
	}
	if got[1].MIDINumber != 72 {
		t.Errorf("second note = %d, want 72", got[1].MIDINumber)
	}
}

func TestMergeSamePitch_GapTooWide(t *testing.T) {
	ns := []notes.Note{
		{MIDINumber: 69, StartTime: 0.0, Duration: 0.2},
		{MIDINumber: 69, StartTime: 0.5, Duration: 0.2},
	}
	if got := MergeSamePitch(ns, 0.08); len(got) != 2 {
		t.Errorf("got %d notes, want 2 (gap exceeds maximum)", len(got))
	}
}
