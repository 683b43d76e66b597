// Package postgres provides a PostgreSQL-backed jobs.Store.
//
// Job records live in a single jobs table; the per-job config and the
// completed result are stored as JSONB documents. [Store.Update] runs its
// mutator inside a transaction holding a SELECT … FOR UPDATE row lock, which
// serialises writers per job id and makes the pending → processing claim
// atomic across processes.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxanote/voxanote/internal/jobs"
	"github.com/voxanote/voxanote/internal/result"
)

// Compile-time assertion that Store implements jobs.Store.
var _ jobs.Store = (*Store)(nil)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT         PRIMARY KEY,
    status          TEXT         NOT NULL,
    progress        INTEGER      NOT NULL DEFAULT 0,
    audio_filename  TEXT         NOT NULL DEFAULT '',
    audio_duration  DOUBLE PRECISION NOT NULL DEFAULT 0,
    config          JSONB        NOT NULL,
    notes_detected  INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message   TEXT         NOT NULL DEFAULT '',
    result_ref      TEXT         NOT NULL DEFAULT '',
    result          JSONB
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);
`

// Store is a PostgreSQL-backed job store sharing one [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("jobs postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobs postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlJobs); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobs postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements jobs.Store.
func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("jobs postgres: marshal config: %w", err)
	}

	const q = `
		INSERT INTO jobs (id, status, progress, audio_filename, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q,
		job.ID, string(job.Status), job.Progress, job.AudioFilename, cfg, job.CreatedAt,
	); err != nil {
		return fmt.Errorf("jobs postgres: create %q: %w", job.ID, err)
	}
	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	const q = selectColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobs postgres: get %q: %w", id, err)
	}
	return job, nil
}

// Update implements jobs.Store.
func (s *Store) Update(ctx context.Context, id string, mutate func(*jobs.Job) error) (jobs.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobs postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = selectColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	job, err := scanJob(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobs postgres: lock %q: %w", id, err)
	}

	if err := mutate(&job); err != nil {
		return jobs.Job{}, err
	}

	var resultDoc []byte
	if job.Result != nil {
		if resultDoc, err = json.Marshal(job.Result); err != nil {
			return jobs.Job{}, fmt.Errorf("jobs postgres: marshal result: %w", err)
		}
	}

	const upd = `
		UPDATE jobs SET
		    status = $2, progress = $3, audio_duration = $4, notes_detected = $5,
		    started_at = $6, completed_at = $7, processing_time = $8,
		    error_message = $9, result_ref = $10, result = $11
		WHERE id = $1`
	if _, err := tx.Exec(ctx, upd,
		job.ID, string(job.Status), job.Progress, job.AudioDuration, job.NotesDetected,
		job.StartedAt, job.CompletedAt, job.ProcessingTime,
		job.ErrorMessage, job.ResultRef, resultDoc,
	); err != nil {
		return jobs.Job{}, fmt.Errorf("jobs postgres: update %q: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return jobs.Job{}, fmt.Errorf("jobs postgres: commit %q: %w", id, err)
	}
	return job, nil
}

const selectColumns = `
	SELECT id, status, progress, audio_filename, audio_duration, config,
	       notes_detected, created_at, started_at, completed_at,
	       processing_time, error_message, result_ref, result`

// scanJob decodes one jobs row.
func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		j          jobs.Job
		status     string
		cfgDoc     []byte
		resultDoc  []byte
		startedAt  *time.Time
		completeAt *time.Time
	)
	if err := row.Scan(
		&j.ID, &status, &j.Progress, &j.AudioFilename, &j.AudioDuration, &cfgDoc,
		&j.NotesDetected, &j.CreatedAt, &startedAt, &completeAt,
		&j.ProcessingTime, &j.ErrorMessage, &j.ResultRef, &resultDoc,
	); err != nil {
		return jobs.Job{}, err
	}

	j.Status = jobs.Status(status)
	j.StartedAt = startedAt
	j.CompletedAt = completeAt

	if err := json.Unmarshal(cfgDoc, &j.Config); err != nil {
		return jobs.Job{}, fmt.Errorf("decode config: %w", err)
	}
	if len(resultDoc) > 0 {
		var r result.Result
		if err := json.Unmarshal(resultDoc, &r); err != nil {
			return jobs.Job{}, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	return j, nil
}
