package audio

import (
	"math"
	"sort"
)

// defaultTrimWindow is the RMS window used by [TrimSilence], matching the
// 10 ms analysis hop of the pitch model.
const defaultTrimWindow = 0.01

// Normalize scales the clip so its peak magnitude is 1. A silent clip is
// returned unchanged. The input samples are not modified.
func Normalize(c Clip) Clip {
	var peak float32
	for _, s := range c.Samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return c
	}
	out := make([]float32, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = s / peak
	}
	return Clip{Samples: out, SampleRate: c.SampleRate}
}

// TrimSilence drops leading and trailing windows whose RMS energy sits more
// than topDB below the loudest window. It returns the trimmed clip and the
// seconds removed from the front; callers add that offset back to note
// timestamps to stay aligned with the original recording.
func TrimSilence(c Clip, topDB float64) (Clip, float64) {
	energy := FrameEnergy(c, defaultTrimWindow)
	if len(energy) == 0 {
		return c, 0
	}

	var peak float64
	for _, e := range energy {
		if e > peak {
			peak = e
		}
	}
	if peak == 0 {
		return Clip{Samples: nil, SampleRate: c.SampleRate}, 0
	}
	cutoff := peak * math.Pow(10, -topDB/20)

	first, last := -1, -1
	for i, e := range energy {
		if e >= cutoff {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return Clip{Samples: nil, SampleRate: c.SampleRate}, 0
	}

	win := int(float64(c.SampleRate) * defaultTrimWindow)
	start := first * win
	end := (last + 1) * win
	if end > len(c.Samples) {
		end = len(c.Samples)
	}
	offset := float64(start) / float64(c.SampleRate)
	return Clip{Samples: c.Samples[start:end], SampleRate: c.SampleRate}, offset
}

// FrameEnergy returns the RMS energy of consecutive hop-second windows,
// index-aligned with the pitch frames the model emits at the same hop.
func FrameEnergy(c Clip, hop float64) []float64 {
	win := int(float64(c.SampleRate) * hop)
	if win <= 0 || len(c.Samples) == 0 {
		return nil
	}

	n := (len(c.Samples) + win - 1) / win
	energy := make([]float64, n)
	for i := range energy {
		start := i * win
		end := start + win
		if end > len(c.Samples) {
			end = len(c.Samples)
		}
		var sum float64
		for _, s := range c.Samples[start:end] {
			sum += float64(s) * float64(s)
		}
		energy[i] = math.Sqrt(sum / float64(end-start))
	}
	return energy
}

// EnergyThreshold derives an adaptive voiced/silence cutoff from per-frame
// energies: the 15th percentile, capped at a tenth of the median so a
// uniformly loud clip is never over-filtered, and floored at 0.005 so
// near-silent noise is always gated.
func EnergyThreshold(energy []float64) float64 {
	const floor = 0.005
	if len(energy) == 0 {
		return floor
	}

	sorted := append([]float64(nil), energy...)
	sort.Float64s(sorted)
	threshold := sorted[len(sorted)*15/100]
	ceiling := sorted[len(sorted)/2] * 0.1

	if threshold > ceiling {
		threshold = ceiling
	}
	if threshold < floor {
		threshold = floor
	}
	return threshold
}
