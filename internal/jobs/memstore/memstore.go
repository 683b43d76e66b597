// Package memstore provides an in-memory jobs.Store for single-node
// deployments and tests. Records live for the lifetime of the process;
// retention and cleanup are deployment policy, not core behaviour.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxanote/voxanote/internal/jobs"
)

// Compile-time assertion that Store implements jobs.Store.
var _ jobs.Store = (*Store)(nil)

// Store keeps job records in a mutex-guarded map. Update applies its mutator
// under the lock, which serialises writers per job and makes the
// pending → processing claim atomic.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.Job
}

// New creates an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*jobs.Job)}
}

// Create implements jobs.Store.
func (s *Store) Create(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("memstore: duplicate job id %q", job.ID)
	}
	stored := job.Snapshot()
	s.jobs[job.ID] = &stored
	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j.Snapshot(), nil
}

// Update implements jobs.Store.
func (s *Store) Update(_ context.Context, id string, mutate func(*jobs.Job) error) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}

	// Mutate a copy so a failing mutator leaves the record untouched.
	candidate := j.Snapshot()
	if err := mutate(&candidate); err != nil {
		return jobs.Job{}, err
	}
	s.jobs[id] = &candidate
	return candidate.Snapshot(), nil
}
