package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voxanote/voxanote/internal/jobs"
)

func TestCreateGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &jobs.Job{ID: "a", Status: jobs.StatusPending}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, &jobs.Job{ID: "a"})
	if err := s.Create(ctx, &jobs.Job{ID: "a"}); err == nil {
		t.Error("duplicate Create succeeded")
	}
}

func TestGet_Unknown(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_AppliesMutation(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, &jobs.Job{ID: "a", Status: jobs.StatusPending})

	got, err := s.Update(ctx, "a", func(j *jobs.Job) error {
		j.Progress = 42
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Progress != 42 {
		t.Errorf("Progress = %d, want 42", got.Progress)
	}
}

func TestUpdate_FailedMutatorLeavesRecordUnchanged(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, &jobs.Job{ID: "a", Status: jobs.StatusPending, Progress: 10})

	boom := errors.New("boom")
	_, err := s.Update(ctx, "a", func(j *jobs.Job) error {
		j.Progress = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, _ := s.Get(ctx, "a")
	if got.Progress != 10 {
		t.Errorf("Progress = %d, want 10 (unchanged)", got.Progress)
	}
}

func TestUpdate_ClaimIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, &jobs.Job{ID: "a", Status: jobs.StatusPending})

	const workers = 16
	var wg sync.WaitGroup
	claims := make(chan struct{}, workers)

	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "a", jobs.Claim); err == nil {
				claims <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(claims)

	if n := len(claims); n != 1 {
		t.Errorf("%d workers claimed the job, want exactly 1", n)
	}

	got, _ := s.Get(ctx, "a")
	if got.Status != jobs.StatusProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped by claim")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, &jobs.Job{ID: "a", Status: jobs.StatusPending})

	snap, _ := s.Get(ctx, "a")
	snap.Progress = 77 // must not leak into the store

	got, _ := s.Get(ctx, "a")
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0 (snapshot mutation leaked)", got.Progress)
	}
}
