// Package jobstore persists job records and enforces the job status state
// machine on every write.
//
// Status transitions (single source of truth: types.AllowedTransition):
//
//	queued → processing_direct | processing_auth_workspace
//	processing_auth_workspace → fetching_from_r2 | failed
//	fetching_from_r2 → running_auth_workspace | failed
//	running_auth_workspace → completed | failed
//	processing_direct → completed | failed
//
// Terminal statuses (completed, failed) are absorbing: no write may move a
// job out of them. Writes are transactional read-validate-update so that a
// duplicate queue delivery racing a live execution cannot corrupt a record.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/hexbase/runnerd/pkg/types"
)

var (
	// ErrNotFound means no job record exists for the given ID.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition means the requested status change is not an
	// edge of the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RecordTTL is how long a terminal job record is retained before the
// backend's TTL policy reaps it.
const RecordTTL = 15 * 24 * time.Hour

// Delta is one state-machine step applied to a job record. Status is
// mandatory; the remaining fields are written only when the step is
// terminal. A nil Output writes the empty string (the record must always
// carry an output field once terminal); a nil Error leaves the field unset.
type Delta struct {
	Status      types.JobStatus
	Output      *string
	Error       *string
	FailureType types.FailureType
}

// Store is the persistence boundary. FirestoreStore is the production
// implementation; MemoryStore backs tests.
type Store interface {
	// Get returns the current job record.
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	// Advance applies one transition atomically, validating it against
	// the current status. It returns ErrInvalidTransition when the edge
	// does not exist and ErrNotFound when the record is missing.
	Advance(ctx context.Context, id types.JobID, d Delta) error
}
