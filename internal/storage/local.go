package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time assertion that Local implements Store.
var _ Store = (*Local)(nil)

// Local stores blobs as files under a root directory. Suitable for
// single-node deployments and tests.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %q: %w", dir, err)
	}
	return &Local{root: dir}, nil
}

// Put implements Store. The content type is ignored; the filesystem carries
// no media-type metadata.
func (l *Local) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir for %q: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	return key, nil
}

// Get implements Store.
func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %q: %w", ref, err)
	}
	return data, nil
}

// resolve maps a key to an absolute path under the root, rejecting traversal
// outside it.
func (l *Local) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}
