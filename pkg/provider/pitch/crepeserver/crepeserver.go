// Package crepeserver provides a pitch provider backed by a CREPE sidecar
// server.
//
// The sidecar wraps the pretrained CREPE model behind a small REST API:
// POST /v1/pitch accepts raw little-endian float32 mono samples and returns
// one JSON frame per 10 ms hop with the model's frequency and periodicity
// estimates. Running the model out of process keeps the Go service free of
// native ML dependencies and lets the sidecar be scaled or pinned to a GPU
// independently.
//
// Usage:
//
//	p, err := crepeserver.New("http://localhost:9090",
//	    crepeserver.WithTimeout(2*time.Minute),
//	)
//	frames, err := p.Detect(ctx, pitch.Request{Samples: samples, SampleRate: 16000})
package crepeserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voxanote/voxanote/pkg/notes"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// defaultTimeout bounds a single inference request. Full-model inference on
// a long chunk can take tens of seconds on CPU.
const defaultTimeout = 2 * time.Minute

// Compile-time assertion that Provider implements pitch.Provider.
var _ pitch.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request timeout. Defaults to 2 minutes.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for requests. Useful for
// injecting transports in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider calls a CREPE sidecar server over HTTP.
type Provider struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// New creates a Provider talking to the sidecar at baseURL
// (e.g., "http://localhost:9090").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("crepeserver: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("crepeserver: invalid base URL: %w", err)
	}

	p := &Provider{
		baseURL: baseURL,
		timeout: defaultTimeout,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// frameResponse is the sidecar's wire format for one analysis frame.
type frameResponse struct {
	Time       float64 `json:"time"`
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
}

// pitchResponse is the sidecar's response body.
type pitchResponse struct {
	Frames []frameResponse `json:"frames"`
}

// Detect implements pitch.Provider by POSTing the samples to the sidecar.
func (p *Provider) Detect(ctx context.Context, req pitch.Request) ([]notes.PitchFrame, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = pitch.ModelTiny
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body := encodeSamples(req.Samples)
	u := fmt.Sprintf("%s/v1/pitch?model=%s&sample_rate=%s",
		p.baseURL, url.QueryEscape(string(model)), strconv.Itoa(req.SampleRate))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("crepeserver: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pitch.ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: sidecar returned %d: %s", pitch.ErrInference, resp.StatusCode, detail)
	}

	var decoded pitchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", pitch.ErrInference, err)
	}

	frames := make([]notes.PitchFrame, len(decoded.Frames))
	for i, f := range decoded.Frames {
		frames[i] = notes.PitchFrame{
			Time:       f.Time + req.TimeOffset,
			Frequency:  max(f.Frequency, 0),
			Confidence: f.Confidence,
		}
	}
	return frames, nil
}

// encodeSamples serialises float32 samples as little-endian bytes, the PCM
// float layout the sidecar expects.
func encodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
