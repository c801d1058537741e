package jobstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbase/runnerd/pkg/types"
)

func seeded(id string, status types.JobStatus) *MemoryStore {
	s := NewMemoryStore()
	s.Put(types.Job{JobID: id, Status: status})
	return s
}

func strPtr(s string) *string { return &s }

func TestAdvanceHappyPathDirect(t *testing.T) {
	ctx := context.Background()
	s := seeded("j1", types.StatusQueued)

	require.NoError(t, s.Advance(ctx, "j1", Delta{Status: types.StatusProcessingDirect}))
	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessingDirect, job.Status)
	assert.NotEmpty(t, job.ProcessingStartedAt)
	assert.NotEmpty(t, job.UpdatedAt)
	assert.Empty(t, job.CompletedAt)

	require.NoError(t, s.Advance(ctx, "j1", Delta{Status: types.StatusCompleted, Output: strPtr("hi\n")}))
	job, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "hi\n", job.Output)
	assert.NotEmpty(t, job.CompletedAt)
	assert.NotEmpty(t, job.ExpiresAt)
	assert.Greater(t, job.ExpiresAt, job.CompletedAt)
}

func TestAdvanceHappyPathWorkspace(t *testing.T) {
	ctx := context.Background()
	s := seeded("j2", types.StatusQueued)

	chain := []types.JobStatus{
		types.StatusProcessingAuthWorkspace,
		types.StatusFetchingFromR2,
		types.StatusRunningAuthWorkspace,
		types.StatusCompleted,
	}
	for _, st := range chain {
		require.NoError(t, s.Advance(ctx, "j2", Delta{Status: st}))
	}
	job, err := s.Get(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
}

func TestAdvanceFailureWritesErrorFields(t *testing.T) {
	ctx := context.Background()
	s := seeded("j3", types.StatusProcessingDirect)

	require.NoError(t, s.Advance(ctx, "j3", Delta{
		Status:      types.StatusFailed,
		Error:       strPtr("NameError: name 'x' is not defined"),
		FailureType: types.FailureUserCode,
	}))

	job, err := s.Get(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "NameError")
	assert.Equal(t, types.FailureUserCode, job.FailureType)
	assert.Equal(t, "", job.Output)
}

func TestAdvanceRejectsInvalidEdges(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		from, to types.JobStatus
	}{
		{types.StatusQueued, types.StatusCompleted},
		{types.StatusQueued, types.StatusRunningAuthWorkspace},
		{types.StatusProcessingDirect, types.StatusFetchingFromR2},
		{types.StatusCompleted, types.StatusProcessingDirect},
		{types.StatusFailed, types.StatusQueued},
		{types.StatusCompleted, types.StatusFailed},
	}
	for _, c := range cases {
		s := seeded("j", c.from)
		err := s.Advance(ctx, "j", Delta{Status: c.to})
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", c.from, c.to)
	}
}

func TestAdvanceMissingJob(t *testing.T) {
	s := NewMemoryStore()
	err := s.Advance(context.Background(), "nope", Delta{Status: types.StatusProcessingDirect})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessingStartedAtIsSticky(t *testing.T) {
	ctx := context.Background()
	s := seeded("j4", types.StatusQueued)

	require.NoError(t, s.Advance(ctx, "j4", Delta{Status: types.StatusProcessingAuthWorkspace}))
	job, _ := s.Get(ctx, "j4")
	first := job.ProcessingStartedAt
	require.NotEmpty(t, first)

	require.NoError(t, s.Advance(ctx, "j4", Delta{Status: types.StatusFetchingFromR2}))
	job, _ = s.Get(ctx, "j4")
	assert.Equal(t, first, job.ProcessingStartedAt)
}

func TestConcurrentAdvanceSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := seeded("j5", types.StatusQueued)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Advance(ctx, "j5", Delta{Status: types.StatusProcessingDirect})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, winners)
}
