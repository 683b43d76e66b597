package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxanote/voxanote/pkg/provider/pitch"
	"github.com/voxanote/voxanote/pkg/provider/pitch/crepeserver"
	"github.com/voxanote/voxanote/pkg/provider/pitch/mock"
)

// ErrProviderNotRegistered is returned by [Registry.CreatePitch] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// PitchFactory builds a pitch provider for one endpoint. Fallback endpoints
// reuse the same factory with a different URL.
type PitchFactory func(url string, cfg InferenceConfig) (pitch.Provider, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use. Third-party providers can be registered at startup
// before the configuration is materialised.
type Registry struct {
	mu    sync.RWMutex
	pitch map[string]PitchFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		pitch: make(map[string]PitchFactory),
	}
}

// RegisterPitch registers a pitch provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterPitch(name string, factory PitchFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pitch[name] = factory
}

// CreatePitch instantiates a pitch provider for url using the factory
// registered under cfg.Provider. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreatePitch(url string, cfg InferenceConfig) (pitch.Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = "crepe"
	}
	r.mu.RLock()
	factory, ok := r.pitch[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pitch/%q", ErrProviderNotRegistered, name)
	}
	return factory(url, cfg)
}

// DefaultRegistry returns a [Registry] with the built-in providers
// registered: "crepe" (the HTTP inference sidecar) and "mock" (canned
// responses, for development without a sidecar).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterPitch("crepe", func(url string, cfg InferenceConfig) (pitch.Provider, error) {
		var opts []crepeserver.Option
		if cfg.Timeout > 0 {
			opts = append(opts, crepeserver.WithTimeout(cfg.Timeout.Std()))
		}
		return crepeserver.New(url, opts...)
	})
	r.RegisterPitch("mock", func(string, InferenceConfig) (pitch.Provider, error) {
		return &mock.Provider{}, nil
	})
	return r
}
