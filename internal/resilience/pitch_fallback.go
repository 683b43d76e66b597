package resilience

import (
	"context"

	"github.com/voxanote/voxanote/pkg/notes"
	"github.com/voxanote/voxanote/pkg/provider/pitch"
)

// PitchFallback implements [pitch.Provider] with automatic failover across
// multiple inference backends. Each backend has its own circuit breaker, so a
// sidecar that keeps timing out is bypassed in favour of a healthy replica.
type PitchFallback struct {
	group *FallbackGroup[pitch.Provider]
}

// Compile-time interface assertion.
var _ pitch.Provider = (*PitchFallback)(nil)

// NewPitchFallback creates a [PitchFallback] with primary as the preferred
// backend.
func NewPitchFallback(primary pitch.Provider, primaryName string, cfg FallbackConfig) *PitchFallback {
	return &PitchFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional pitch provider as a fallback.
func (f *PitchFallback) AddFallback(name string, provider pitch.Provider) {
	f.group.AddFallback(name, provider)
}

// Detect runs pitch detection against the first healthy backend. If the
// primary fails or its breaker is open, subsequent fallbacks are tried.
func (f *PitchFallback) Detect(ctx context.Context, req pitch.Request) ([]notes.PitchFrame, error) {
	return ExecuteWithResult(f.group, func(p pitch.Provider) ([]notes.PitchFrame, error) {
		return p.Detect(ctx, req)
	})
}
