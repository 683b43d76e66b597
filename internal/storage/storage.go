// Package storage abstracts the blob store that holds uploaded recordings
// and generated output artifacts (MIDI and JSON files).
//
// Keys are slash-separated paths scoped to the service (e.g.
// "results/<job-id>/take.mid"). The returned reference is the key itself —
// stable, opaque to callers, and resolvable by the same store.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when no blob exists for the key.
var ErrNotFound = errors.New("storage: not found")

// Store is a minimal blob store. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put writes data under key, overwriting any existing blob, and returns
	// the reference to hand to readers.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get reads the blob for a reference previously returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}
