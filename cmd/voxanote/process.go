package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxanote/voxanote/internal/config"
	"github.com/voxanote/voxanote/internal/midifile"
	"github.com/voxanote/voxanote/internal/result"
	"github.com/voxanote/voxanote/internal/segmenter"
	"github.com/voxanote/voxanote/pkg/audio"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// processSampleRate is the rate the inference model expects.
const processSampleRate = 16000

var (
	processModel        string
	processConfidence   float64
	processMinDuration  float64
	processTolerance    float64
	processMergeGap     float64
	processOutputDir    string
	processProvider     string
	processInferenceURL string
)

func init() {
	processCmd.Flags().StringVarP(&processModel, "model", "m", "tiny", "pitch model: tiny or full")
	processCmd.Flags().Float64VarP(&processConfidence, "confidence", "C", 0.5, "voicing confidence threshold in [0, 1]")
	processCmd.Flags().Float64Var(&processMinDuration, "min-note-duration", 0.05, "minimum note length in seconds")
	processCmd.Flags().Float64Var(&processTolerance, "pitch-tolerance", 0.5, "run-continuation tolerance in semitones")
	processCmd.Flags().Float64Var(&processMergeGap, "merge-gap", 0, "fuse equal-pitch notes across gaps up to this many seconds (0 disables)")
	processCmd.Flags().StringVarP(&processOutputDir, "output-dir", "o", "output", "directory for the exported .mid and .json files")
	processCmd.Flags().StringVar(&processProvider, "provider", "crepe", "inference provider: crepe or mock")
	processCmd.Flags().StringVar(&processInferenceURL, "inference-url", "http://localhost:9090", "base URL of the pitch inference sidecar")
	rootCmd.AddCommand(processCmd)
}

var processCmd = &cobra.Command{
	Use:   "process <audio-file>",
	Short: "Transcribe a local recording to MIDI and JSON",
	Long: `Process runs the full pipeline synchronously on one file: decode,
pitch inference, note segmentation, and export. The .mid and .json files are
written to the output directory, named after the input file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return process(cmd, args[0])
	},
}

func process(cmd *cobra.Command, inputPath string) error {
	model := pitch.ModelSize(processModel)
	if !model.IsValid() {
		return fmt.Errorf("invalid model %q: use tiny or full", processModel)
	}
	if processConfidence < 0 || processConfidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", processConfidence)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputPath, err)
	}

	// ── Decode ────────────────────────────────────────────────────────────
	clip, err := audio.Decode(data, processSampleRate)
	if err != nil {
		return fmt.Errorf("decode %s: %w", inputPath, err)
	}
	cmd.Printf("Loaded %s: %.2fs @ %d Hz\n", filepath.Base(inputPath), clip.Duration(), clip.SampleRate)

	// ── Inference ─────────────────────────────────────────────────────────
	reg := config.DefaultRegistry()
	provider, err := reg.CreatePitch(processInferenceURL, config.InferenceConfig{Provider: processProvider})
	if err != nil {
		return err
	}

	if model == pitch.ModelFull {
		cmd.Println("Model \"full\" can take several minutes…")
	}
	frames, err := provider.Detect(cmd.Context(), pitch.Request{
		Samples:    clip.Samples,
		SampleRate: clip.SampleRate,
		Model:      model,
	})
	if err != nil {
		return fmt.Errorf("pitch inference: %w", err)
	}
	cmd.Printf("Detected %d frames\n", len(frames))

	// ── Segmentation ──────────────────────────────────────────────────────
	ns := segmenter.Segment(frames, segmenter.Config{
		ConfidenceThreshold: processConfidence,
		MinNoteDuration:     processMinDuration,
		PitchTolerance:      processTolerance,
		MaxMergeGap:         processMergeGap,
	})
	cmd.Printf("Detected %d notes (confidence >= %v)\n", len(ns), processConfidence)

	if len(ns) == 0 {
		cmd.Println("No notes detected in the audio.")
		return nil
	}

	// ── Export ────────────────────────────────────────────────────────────
	if err := os.MkdirAll(processOutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	midiBytes, err := midifile.Encode(ns)
	if err != nil {
		return fmt.Errorf("encode midi: %w", err)
	}
	midiPath := filepath.Join(processOutputDir, stem+".mid")
	if err := os.WriteFile(midiPath, midiBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", midiPath, err)
	}
	cmd.Printf("MIDI: %s\n", midiPath)

	res := result.Assemble(ns, filepath.Base(inputPath), clip.Duration(), string(model), processConfidence)
	jsonBytes, err := res.EncodeJSON()
	if err != nil {
		return err
	}
	jsonPath := filepath.Join(processOutputDir, stem+".json")
	if err := os.WriteFile(jsonPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}
	cmd.Printf("JSON: %s\n", jsonPath)

	cmd.Printf("\nNotes detected: %d\nAudio duration: %.2fs\n", len(ns), clip.Duration())
	return nil
}
