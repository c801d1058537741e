package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hexbase/runnerd/internal/timeutil"
	"github.com/hexbase/runnerd/pkg/types"
)

// FirestoreStore persists job records as Firestore documents. Every Advance
// runs as a transaction: read the current status, validate the edge, write
// the update. Transient backend errors are retried with exponential backoff;
// state-machine violations are not.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(id types.JobID) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(string(id))
}

// Get returns the current job record.
func (s *FirestoreStore) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	snap, err := s.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var job types.Job
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.JobID = string(id)
	return &job, nil
}

// Advance applies one transition transactionally, retrying transient
// Firestore failures. Invalid transitions and missing documents fail fast.
func (s *FirestoreStore) Advance(ctx context.Context, id types.JobID, d Delta) error {
	op := func() error {
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			return s.advanceTx(ctx, tx, id, d)
		})
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"job_id": id,
			"status": d.Status,
			"wait":   wait,
		}).Warn("Transient job store failure, retrying")
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (s *FirestoreStore) advanceTx(_ context.Context, tx *firestore.Transaction, id types.JobID, d Delta) error {
	snap, err := tx.Get(s.doc(id))
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job %s: %w", id, err)
	}

	current, err := snap.DataAt("status")
	if err != nil {
		return fmt.Errorf("job %s has no status field: %w", id, err)
	}
	from, _ := current.(string)
	if !types.AllowedTransition(types.JobStatus(from), d.Status) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, from, d.Status, ErrInvalidTransition)
	}

	now := timeutil.NowISO8601()
	updates := []firestore.Update{
		{Path: "status", Value: string(d.Status)},
		{Path: "updated_at", Value: now},
	}

	if d.Status.Processing() {
		// First processing transition stamps the start; a replay after a
		// partial run must not move it.
		if started, err := snap.DataAt("processing_started_at"); err != nil || started == "" || started == nil {
			updates = append(updates, firestore.Update{Path: "processing_started_at", Value: now})
		}
	}

	if d.Status.Terminal() {
		output := ""
		if d.Output != nil {
			output = *d.Output
		}
		updates = append(updates,
			firestore.Update{Path: "completed_at", Value: now},
			firestore.Update{Path: "expires_at", Value: timeutil.ToISO8601(time.Now().Add(RecordTTL))},
			firestore.Update{Path: "output", Value: output},
		)
		if d.Error != nil {
			updates = append(updates, firestore.Update{Path: "error", Value: *d.Error})
		}
		if d.FailureType != "" {
			updates = append(updates, firestore.Update{Path: "failure_type", Value: string(d.FailureType)})
		}
	}

	return tx.Update(s.doc(id), updates)
}

// transient reports whether the error is worth retrying. State-machine and
// not-found errors never are.
func transient(err error) bool {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}
