package jobs

import (
	"context"
	"time"
)

// Store is the durable record of job identity, status, progress, and result.
// Implementations must support concurrent readers and serialise mutations per
// job id — [Store.Update] applies its mutator atomically, which is what makes
// the pending → processing claim safe across workers.
//
// The in-memory implementation lives in the memstore subpackage, the
// Postgres-backed one in the postgres subpackage.
type Store interface {
	// Create persists a new job record. Fails if the id already exists.
	Create(ctx context.Context, job *Job) error

	// Get returns the latest persisted snapshot, or [ErrNotFound].
	Get(ctx context.Context, id string) (Job, error)

	// Update applies mutate to the current record atomically and persists
	// the outcome, returning the updated snapshot. If mutate returns an
	// error the record is left unchanged and the error is propagated.
	// Returns [ErrNotFound] for unknown ids.
	Update(ctx context.Context, id string, mutate func(*Job) error) (Job, error)
}

// Claim is a mutator for [Store.Update] that atomically transitions a pending
// job to processing and stamps StartedAt. It fails with [ErrTerminal] if the
// job is already terminal and with [ErrAlreadyClaimed] if another worker got
// there first. No side-effecting pipeline work may begin before Claim
// succeeds.
func Claim(j *Job) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if j.Status != StatusPending {
		return ErrAlreadyClaimed
	}
	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	return nil
}
