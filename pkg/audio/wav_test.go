package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// buildWAV assembles a minimal PCM WAV file from int16 samples.
func buildWAV(samples []int16, channels, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 0, 44+dataLen)

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataLen))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataLen))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}

func TestDecodeWAV_Mono(t *testing.T) {
	clip, err := DecodeWAV(buildWAV([]int16{0, 16384, -16384, 32767}, 1, 16000))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", clip.SampleRate)
	}
	if len(clip.Samples) != 4 {
		t.Fatalf("len(Samples) = %d, want 4", len(clip.Samples))
	}
	if clip.Samples[0] != 0 {
		t.Errorf("Samples[0] = %v, want 0", clip.Samples[0])
	}
	if math.Abs(float64(clip.Samples[1])-0.5) > 0.001 {
		t.Errorf("Samples[1] = %v, want ≈0.5", clip.Samples[1])
	}
	if math.Abs(float64(clip.Samples[2])+0.5) > 0.001 {
		t.Errorf("Samples[2] = %v, want ≈-0.5", clip.Samples[2])
	}
}

func TestDecodeWAV_StereoDownmix(t *testing.T) {
	// L=16384, R=0 per frame: mono average is 8192 → 0.25.
	clip, err := DecodeWAV(buildWAV([]int16{16384, 0, 16384, 0}, 2, 44100))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(clip.Samples) != 2 {
		t.Fatalf("len(Samples) = %d, want 2", len(clip.Samples))
	}
	if math.Abs(float64(clip.Samples[0])-0.25) > 0.001 {
		t.Errorf("Samples[0] = %v, want ≈0.25", clip.Samples[0])
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	_, err := DecodeWAV([]byte("ID3\x04this is an mp3, honest"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecodeWAV_Truncated(t *testing.T) {
	wav := buildWAV([]int16{1, 2, 3, 4}, 1, 16000)
	_, err := DecodeWAV(wav[:20])
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestDecodeWAV_CompressedRejected(t *testing.T) {
	wav := buildWAV([]int16{1, 2}, 1, 16000)
	// Overwrite the format tag with 0x0055 (MP3-in-WAV).
	binary.LittleEndian.PutUint16(wav[20:22], 0x55)
	_, err := DecodeWAV(wav)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecode_Resamples(t *testing.T) {
	samples := make([]int16, 32000)
	clip, err := Decode(buildWAV(samples, 1, 32000), 16000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", clip.SampleRate)
	}
	if len(clip.Samples) != 16000 {
		t.Errorf("len(Samples) = %d, want 16000", len(clip.Samples))
	}
	if math.Abs(clip.Duration()-1.0) > 0.001 {
		t.Errorf("Duration = %v, want 1.0", clip.Duration())
	}
}

func TestResample_Identity(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := Resample(in, 16000, 16000)
	if len(out) != 3 {
		t.Errorf("len = %d, want 3", len(out))
	}
}

func TestResample_Halves(t *testing.T) {
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i)
	}
	out := Resample(in, 20000, 10000)
	if len(out) != 50 {
		t.Errorf("len = %d, want 50", len(out))
	}
}
