package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxanote/voxanote/internal/jobs"
	"github.com/voxanote/voxanote/internal/result"
)

func completedJob(url string) jobs.Job {
	now := time.Now().UTC()
	return jobs.Job{
		ID:             "job-1",
		Status:         jobs.StatusCompleted,
		Progress:       100,
		NotesDetected:  7,
		AudioDuration:  3.5,
		ProcessingTime: 1.25,
		CompletedAt:    &now,
		Config:         jobs.Config{WebhookURL: url},
		Result: &result.Result{
			Files: result.Files{MIDI: "jobs/job-1/output.mid", JSON: "jobs/job-1/result.json"},
		},
	}
}

func failedJob(url string) jobs.Job {
	now := time.Now().UTC()
	return jobs.Job{
		ID:           "job-2",
		Status:       jobs.StatusFailed,
		CompletedAt:  &now,
		ErrorMessage: "decode: audio: corrupt file",
		Config:       jobs.Config{WebhookURL: url},
	}
}

func TestNotify_DeliversSignedCompletedEvent(t *testing.T) {
	const secret = "hook-secret"

	var (
		gotBody      []byte
		gotSignature string
		gotEvent     string
		gotDelivery  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDelivery = r.Header.Get("X-Webhook-Delivery")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(secret, WithBackoffBase(time.Millisecond))
	n.Notify(context.Background(), completedJob(srv.URL))

	if gotEvent != EventCompleted {
		t.Errorf("X-Webhook-Event = %q, want %q", gotEvent, EventCompleted)
	}
	if gotDelivery == "" {
		t.Error("X-Webhook-Delivery is empty")
	}
	if want := Signature([]byte(secret), gotBody); !hmac.Equal([]byte(gotSignature), []byte(want)) {
		t.Errorf("signature = %q, want %q", gotSignature, want)
	}

	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.JobID != "job-1" {
		t.Errorf("job_id = %q, want job-1", ev.JobID)
	}
	if ev.Data.NotesDetected != 7 {
		t.Errorf("notes_detected = %d, want 7", ev.Data.NotesDetected)
	}
	if ev.Data.MIDIFile != "jobs/job-1/output.mid" {
		t.Errorf("midi_file = %q", ev.Data.MIDIFile)
	}
	if ev.Data.Error != "" {
		t.Errorf("error = %q, want empty", ev.Data.Error)
	}
}

func TestNotify_FailedEventCarriesError(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New("s", WithBackoffBase(time.Millisecond))
	n.Notify(context.Background(), failedJob(srv.URL))

	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Event != EventFailed {
		t.Errorf("event = %q, want %q", ev.Event, EventFailed)
	}
	if ev.Data.Error != "decode: audio: corrupt file" {
		t.Errorf("error = %q", ev.Data.Error)
	}
	if ev.Data.NotesDetected != 0 {
		t.Errorf("notes_detected = %d, want 0", ev.Data.NotesDetected)
	}
}

func TestNotify_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New("s", WithBackoffBase(time.Millisecond), WithMaxAttempts(5))
	n.Notify(context.Background(), completedJob(srv.URL))

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestNotify_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New("s", WithBackoffBase(time.Millisecond), WithMaxAttempts(3))
	n.Notify(context.Background(), completedJob(srv.URL))

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestReconfigure_AppliesToNextDelivery(t *testing.T) {
	var (
		calls        atomic.Int32
		gotBody      []byte
		gotSignature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New("old-secret", WithBackoffBase(time.Millisecond), WithMaxAttempts(5))
	n.Reconfigure("new-secret", 2)
	n.Notify(context.Background(), completedJob(srv.URL))

	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want reconfigured bound 2", got)
	}
	if want := Signature([]byte("new-secret"), gotBody); !hmac.Equal([]byte(gotSignature), []byte(want)) {
		t.Errorf("signature = %q, want one under the new secret", gotSignature)
	}
}

func TestNotify_SkipsJobsWithoutURLOrNotTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New("s", WithBackoffBase(time.Millisecond))

	n.Notify(context.Background(), jobs.Job{ID: "x", Status: jobs.StatusCompleted})

	pending := completedJob(srv.URL)
	pending.Status = jobs.StatusProcessing
	n.Notify(context.Background(), pending)

	if got := calls.Load(); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
}

func TestNotify_StopsOnContextCancel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Long backoff: the cancelled context must win before the second attempt.
	n := New("s", WithBackoffBase(time.Hour), WithMaxAttempts(3))
	n.Notify(ctx, completedJob(srv.URL))

	if got := calls.Load(); got > 1 {
		t.Errorf("deliveries = %d, want at most 1", got)
	}
}

func TestSignature_Format(t *testing.T) {
	sig := Signature([]byte("secret"), []byte(`{"a":1}`))
	if len(sig) != len("sha256=")+64 {
		t.Errorf("signature length = %d, want %d", len(sig), len("sha256=")+64)
	}
	if sig[:7] != "sha256=" {
		t.Errorf("signature prefix = %q, want sha256=", sig[:7])
	}
	// Deterministic for the same input.
	if sig != Signature([]byte("secret"), []byte(`{"a":1}`)) {
		t.Error("signature is not deterministic")
	}
}
