// Package audio decodes uploaded recordings into the mono float samples the
// pitch model consumes.
//
// Only RIFF/WAVE containers with 16-bit signed PCM are decoded natively —
// that covers the upload formats the service accepts after front-end
// transcoding. Anything else is rejected with [ErrUnsupportedFormat] so the
// caller can surface a clear validation failure instead of garbage frames.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when the input is a recognisable audio
// container the decoder does not handle (compressed WAV, non-WAV formats).
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// ErrCorrupt is returned when the input claims to be a WAVE file but its
// structure is truncated or inconsistent.
var ErrCorrupt = errors.New("audio: corrupt file")

// wavFormatPCM is the RIFF format tag for uncompressed integer PCM.
const wavFormatPCM = 1

// Clip is decoded audio ready for inference: mono float samples in [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Decode parses a WAV file, downmixes to mono, and resamples to targetRate.
// It returns [ErrUnsupportedFormat] for non-WAV input or unsupported
// encodings and [ErrCorrupt] for structurally broken files.
func Decode(data []byte, targetRate int) (Clip, error) {
	clip, err := DecodeWAV(data)
	if err != nil {
		return Clip{}, err
	}
	if targetRate > 0 && clip.SampleRate != targetRate {
		clip.Samples = Resample(clip.Samples, clip.SampleRate, targetRate)
		clip.SampleRate = targetRate
	}
	return clip, nil
}

// DecodeWAV parses a RIFF/WAVE byte stream into a mono [Clip] at its native
// sample rate. Multi-channel input is downmixed by averaging.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrUnsupportedFormat
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bitDepth   int
		pcm        []byte
		haveFmt    bool
	)

	// Walk the chunk list. Chunks are 8 bytes of header (id + size) followed
	// by the payload, padded to an even length.
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			return Clip{}, fmt.Errorf("%w: chunk %q exceeds file size", ErrCorrupt, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("%w: fmt chunk too short", ErrCorrupt)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		offset = body + size
		if size%2 == 1 {
			offset++ // pad byte
		}
	}

	if !haveFmt || pcm == nil {
		return Clip{}, fmt.Errorf("%w: missing fmt or data chunk", ErrCorrupt)
	}
	if format != wavFormatPCM || bitDepth != 16 {
		return Clip{}, fmt.Errorf("%w: only 16-bit PCM WAV is supported", ErrUnsupportedFormat)
	}
	if channels <= 0 || sampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: invalid fmt chunk", ErrCorrupt)
	}
	if len(pcm)%(2*channels) != 0 {
		return Clip{}, fmt.Errorf("%w: data chunk not frame-aligned", ErrCorrupt)
	}

	frames := len(pcm) / (2 * channels)
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		// Average all channels into one mono sample. Uses float arithmetic
		// so a hard-panned stereo pair cannot overflow.
		var sum float64
		for ch := 0; ch < channels; ch++ {
			idx := (i*channels + ch) * 2
			s := int16(pcm[idx]) | int16(pcm[idx+1])<<8
			sum += float64(s)
		}
		samples[i] = float32(sum / float64(channels) / 32768.0)
	}

	return Clip{Samples: samples, SampleRate: sampleRate}, nil
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}

	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
