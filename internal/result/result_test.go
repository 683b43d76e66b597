package result

import (
	"encoding/json"
	"testing"

	"github.com/voxanote/voxanote/pkg/notes"
)

func TestAssemble(t *testing.T) {
	ns := []notes.Note{
		{MIDINumber: 69, Name: "A4", StartTime: 0, Duration: 1, Frequency: 440, Confidence: 0.9, Velocity: 114},
	}
	r := Assemble(ns, "take3.wav", 12.5, "tiny", 0.5)

	if r.Metadata.NotesDetected != 1 {
		t.Errorf("NotesDetected = %d, want 1", r.Metadata.NotesDetected)
	}
	if r.Metadata.InputFile != "take3.wav" {
		t.Errorf("InputFile = %q", r.Metadata.InputFile)
	}
	if r.Metadata.AudioDuration != 12.5 {
		t.Errorf("AudioDuration = %v, want 12.5", r.Metadata.AudioDuration)
	}
	if r.Metadata.ProcessedAt.IsZero() {
		t.Error("ProcessedAt not stamped")
	}
}

func TestAssemble_NilNotes(t *testing.T) {
	r := Assemble(nil, "", 0, "tiny", 0.5)
	if r.Notes == nil {
		t.Error("Notes is nil, want empty slice so JSON renders [] not null")
	}
	if r.Metadata.NotesDetected != 0 {
		t.Errorf("NotesDetected = %d, want 0", r.Metadata.NotesDetected)
	}
}

func TestEncodeJSON_FieldNames(t *testing.T) {
	r := Assemble([]notes.Note{
		{MIDINumber: 60, Name: "C4", StartTime: 0.5, Duration: 0.25, Frequency: 261.6, Confidence: 0.8, Velocity: 101},
	}, "x.wav", 1, "full", 0.95)

	raw, err := r.EncodeJSON()
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}

	var decoded struct {
		Metadata map[string]any   `json:"metadata"`
		Notes    []map[string]any `json:"notes"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Metadata["model_size"] != "full" {
		t.Errorf("model_size = %v", decoded.Metadata["model_size"])
	}
	note := decoded.Notes[0]
	for _, field := range []string{"midi_number", "note_name", "start_time", "duration", "end_time", "frequency_hz", "confidence", "velocity"} {
		if _, ok := note[field]; !ok {
			t.Errorf("note JSON missing field %q", field)
		}
	}
	if note["end_time"] != 0.75 {
		t.Errorf("end_time = %v, want 0.75", note["end_time"])
	}
}
