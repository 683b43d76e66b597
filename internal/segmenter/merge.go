package segmenter

import "github.com/voxanote/voxanote/pkg/notes"

// MergeSamePitch fuses consecutive notes that share a MIDI number and are
// separated by a gap of at most maxGap seconds. Vocal recordings produce such
// gaps at consonants, breaths, and momentary detector dropouts; fusing them
// yields one continuous note instead of a stutter of fragments.
//
// Frequency and confidence of a fused note are duration-weighted averages of
// its parts; the gap counts toward the fused duration but carries no weight.
// Velocity is re-derived from the fused confidence. The input must be ordered
// by start time.
func MergeSamePitch(ns []notes.Note, maxGap float64) []notes.Note {
	if len(ns) <= 1 {
		return ns
	}

	merged := make([]notes.Note, 0, len(ns))
	merged = append(merged, ns[0])

	for _, n := range ns[1:] {
		prev := &merged[len(merged)-1]
		gap := n.StartTime - prev.EndTime()

		if n.MIDINumber != prev.MIDINumber || gap < 0 || gap > maxGap {
			merged = append(merged, n)
			continue
		}

		voiced := prev.Duration + n.Duration
		wPrev := prev.Duration / voiced
		wNext := n.Duration / voiced

		prev.Duration += gap + n.Duration
		prev.Frequency = prev.Frequency*wPrev + n.Frequency*wNext
		prev.Confidence = prev.Confidence*wPrev + n.Confidence*wNext
		prev.Velocity = notes.VelocityFromConfidence(prev.Confidence)
	}
	return merged
}
