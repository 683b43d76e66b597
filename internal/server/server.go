// Package server exposes the transcription service over HTTP.
//
// The API is versioned under /v1:
//
//   - POST /v1/jobs                       — submit a recording, returns 202 + job id
//   - GET  /v1/jobs/{id}                  — job status and progress
//   - GET  /v1/jobs/{id}/result          — full analysis of a completed job
//   - GET  /v1/jobs/{id}/download/midi   — exported MIDI file
//   - GET  /v1/jobs/{id}/download/json   — exported JSON file
//
// Liveness, readiness, and Prometheus metrics are served unversioned at
// /healthz, /readyz, and /metrics. All error responses are JSON objects with
// a single "error" field.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/voxanote/voxanote/internal/health"
	"github.com/voxanote/voxanote/internal/jobs"
	"github.com/voxanote/voxanote/internal/observe"
	"github.com/voxanote/voxanote/internal/result"
	"github.com/voxanote/voxanote/internal/storage"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// defaultMaxUploadBytes caps uploads when no limit is configured.
const defaultMaxUploadBytes = 50 << 20

// Segmentation defaults applied when a form field is absent.
const (
	defaultConfidenceThreshold = 0.5
	defaultMinNoteDuration     = 0.05
	defaultPitchTolerance      = 0.5
)

// allowedExtensions lists the upload formats accepted at submission. The
// decoder later rejects anything it cannot actually parse.
var allowedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
}

// Server routes HTTP requests to the job orchestrator.
type Server struct {
	orch      *jobs.Orchestrator
	health    *health.Handler
	metrics   *observe.Metrics
	log       *slog.Logger
	maxUpload int64

	// Segmentation defaults for fields the client omits. Guarded by mu so a
	// config reload can swap them while requests are in flight.
	mu                  sync.RWMutex
	confidenceThreshold float64
	minNoteDuration     float64
	pitchTolerance      float64
	maxMergeGap         float64

	corsOrigins []string
}

// Option configures the server.
type Option func(*Server)

// WithMaxUploadBytes caps the accepted upload size. Zero or negative keeps
// the built-in 50 MiB default.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithHealth installs the health handler serving /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics installs the metrics used by the request-duration middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSegmentationDefaults sets the values applied when a submission omits
// confidence_threshold, min_note_duration, pitch_tolerance, or max_merge_gap.
// Zero values keep the built-in defaults (the merge pass is off by default).
func WithSegmentationDefaults(confidenceThreshold, minNoteDuration, pitchTolerance, maxMergeGap float64) Option {
	return func(s *Server) {
		s.SetSegmentationDefaults(confidenceThreshold, minNoteDuration, pitchTolerance, maxMergeGap)
	}
}

// SetSegmentationDefaults swaps the defaults applied to new submissions.
// Zero values keep the built-in defaults. In-flight requests keep the values
// they already read.
func (s *Server) SetSegmentationDefaults(confidenceThreshold, minNoteDuration, pitchTolerance, maxMergeGap float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidenceThreshold = defaultConfidenceThreshold
	s.minNoteDuration = defaultMinNoteDuration
	s.pitchTolerance = defaultPitchTolerance
	s.maxMergeGap = 0
	if confidenceThreshold > 0 {
		s.confidenceThreshold = confidenceThreshold
	}
	if minNoteDuration > 0 {
		s.minNoteDuration = minNoteDuration
	}
	if pitchTolerance > 0 {
		s.pitchTolerance = pitchTolerance
	}
	if maxMergeGap > 0 {
		s.maxMergeGap = maxMergeGap
	}
}

// WithCORSOrigins restricts cross-origin requests to the given origins.
// Default allows all origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// New creates a Server around the orchestrator.
func New(orch *jobs.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:                orch,
		log:                 slog.Default(),
		maxUpload:           defaultMaxUploadBytes,
		confidenceThreshold: defaultConfidenceThreshold,
		minNoteDuration:     defaultMinNoteDuration,
		pitchTolerance:      defaultPitchTolerance,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the full HTTP handler: routes, health, metrics endpoint,
// request-duration middleware, and CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/v1/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/download/{kind:midi|json}", s.handleDownload).Methods(http.MethodGet)

	if s.health != nil {
		s.health.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(h)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// submitResponse is the 202 body returned by job submission.
type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		s.writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "audio_file is required")
		return
	}
	defer file.Close()

	if ext := strings.ToLower(path.Ext(header.Filename)); !allowedExtensions[ext] {
		s.writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("unsupported audio format %q", ext))
		return
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		s.writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if len(audio) == 0 {
		s.writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	cfg, err := s.parseConfig(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.orch.Submit(r.Context(), jobs.Submission{
		Filename: header.Filename,
		Audio:    audio,
		Config:   cfg,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.log.Info("job submitted",
		"job_id", job.ID,
		"filename", header.Filename,
		"bytes", len(audio),
		"model", cfg.ModelSize,
	)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

// parseConfig reads the optional form fields into a job config, applying the
// server defaults for anything the client omitted.
func (s *Server) parseConfig(r *http.Request) (jobs.Config, error) {
	s.mu.RLock()
	cfg := jobs.Config{
		ModelSize:           pitch.ModelSize(r.FormValue("model_size")),
		ConfidenceThreshold: s.confidenceThreshold,
		MinNoteDuration:     s.minNoteDuration,
		PitchTolerance:      s.pitchTolerance,
		MaxMergeGap:         s.maxMergeGap,
		WebhookURL:          r.FormValue("webhook_url"),
	}
	s.mu.RUnlock()

	fields := []struct {
		name string
		dst  *float64
	}{
		{"confidence_threshold", &cfg.ConfidenceThreshold},
		{"min_note_duration", &cfg.MinNoteDuration},
		{"pitch_tolerance", &cfg.PitchTolerance},
		{"max_merge_gap", &cfg.MaxMergeGap},
	}
	for _, f := range fields {
		raw := r.FormValue(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return jobs.Config{}, fmt.Errorf("%s: not a number: %q", f.name, raw)
		}
		*f.dst = v
	}
	return cfg, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.orch.GetStatus(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// resultResponse wraps the full analysis of a completed job.
type resultResponse struct {
	JobID  string         `json:"job_id"`
	Status string         `json:"status"`
	Result *result.Result `json:"result"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.orch.GetResult(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrNotReady):
			job, gerr := s.orch.GetStatus(r.Context(), id)
			if gerr != nil {
				s.writeError(w, http.StatusBadRequest, "job not completed yet")
				return
			}
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("job not completed yet: status %s, progress %d%%", job.Status, job.Progress))
		case errors.Is(err, jobs.ErrFailed):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{
		JobID:  id,
		Status: string(jobs.StatusCompleted),
		Result: res,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, kind := vars["id"], vars["kind"]

	data, contentType, err := s.orch.Artifact(r.Context(), id, kind)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrNotReady), errors.Is(err, jobs.ErrFailed):
			s.writeError(w, http.StatusBadRequest, kind+" not available yet")
		case errors.Is(err, storage.ErrNotFound):
			s.writeError(w, http.StatusNotFound, kind+" artifact missing from storage")
		default:
			s.internalError(w, r, err)
		}
		return
	}

	filename := id + ".json"
	if kind == "midi" {
		filename = id + ".mid"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Warn("download write failed", "job_id", id, "kind", kind, "err", err)
	}
}

// ── Error mapping ────────────────────────────────────────────────────────────

// writeSubmitError maps submission failures to status codes.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, jobs.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
	default:
		s.log.Error("submit failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeLookupError maps job-lookup failures for status reads.
func (s *Server) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.log.Error("job lookup failed", "job_id", id, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "path", r.URL.Path, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

// ── Response helpers ─────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "err", err)
	}
}
