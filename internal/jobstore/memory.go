package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hexbase/runnerd/internal/timeutil"
	"github.com/hexbase/runnerd/pkg/types"
)

// MemoryStore is an in-memory Store with the same transition semantics as
// FirestoreStore. It backs tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[types.JobID]*types.Job)}
}

// Put inserts or replaces a record. Test seeding only; production records
// are created by the submission API, not the worker.
func (s *MemoryStore) Put(job types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[types.JobID(job.JobID)] = &j
}

func (s *MemoryStore) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) Advance(_ context.Context, id types.JobID, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !types.AllowedTransition(job.Status, d.Status) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, d.Status, ErrInvalidTransition)
	}

	now := timeutil.NowISO8601()
	job.Status = d.Status
	job.UpdatedAt = now

	if d.Status.Processing() && job.ProcessingStartedAt == "" {
		job.ProcessingStartedAt = now
	}

	if d.Status.Terminal() {
		job.CompletedAt = now
		job.ExpiresAt = timeutil.ToISO8601(time.Now().Add(RecordTTL))
		if d.Output != nil {
			job.Output = *d.Output
		} else {
			job.Output = ""
		}
		if d.Error != nil {
			job.Error = d.Error
		}
		if d.FailureType != "" {
			job.FailureType = d.FailureType
		}
	}
	return nil
}
