// Package mock provides a test double for the pitch.Provider interface.
//
// Use Provider to feed controlled frame sequences into the pipeline and to
// inspect the requests the orchestrator issued:
//
//	p := &mock.Provider{Frames: frames}
//	got, _ := p.Detect(ctx, req)
//	calls := p.Calls()
package mock

import (
	"context"
	"sync"

	"github.com/voxanote/voxanote/pkg/notes"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// Compile-time assertion that Provider implements pitch.Provider.
var _ pitch.Provider = (*Provider)(nil)

// Provider is a mock implementation of pitch.Provider.
type Provider struct {
	mu    sync.Mutex
	calls []pitch.Request

	// Frames is returned from every Detect call, with each frame's time
	// shifted by the request's TimeOffset.
	Frames []notes.PitchFrame

	// Err, if non-nil, is returned from Detect instead of Frames.
	Err error

	// DetectFunc, if non-nil, overrides the canned Frames/Err behaviour.
	DetectFunc func(ctx context.Context, req pitch.Request) ([]notes.PitchFrame, error)
}

// Detect records the request and returns the configured frames or error.
func (p *Provider) Detect(ctx context.Context, req pitch.Request) ([]notes.PitchFrame, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.DetectFunc != nil {
		return p.DetectFunc(ctx, req)
	}
	if p.Err != nil {
		return nil, p.Err
	}

	out := make([]notes.PitchFrame, len(p.Frames))
	for i, f := range p.Frames {
		f.Time += req.TimeOffset
		out[i] = f
	}
	return out, nil
}

// Calls returns a copy of all recorded Detect requests.
func (p *Provider) Calls() []pitch.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pitch.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
