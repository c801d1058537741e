package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbase/runnerd/internal/jobstore"
	"github.com/hexbase/runnerd/internal/objectstore"
	"github.com/hexbase/runnerd/internal/sandbox"
	"github.com/hexbase/runnerd/internal/workspace"
	"github.com/hexbase/runnerd/pkg/types"
)

// fakeExecutor returns a canned outcome, optionally panicking first.
type fakeExecutor struct {
	outcome  types.Outcome
	panicMsg string
	lastReq  sandbox.Request
}

func (f *fakeExecutor) Run(_ context.Context, req sandbox.Request) types.Outcome {
	f.lastReq = req
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.outcome
}

// failingStore wraps a MemoryStore and fails Advance into terminal states.
type failingStore struct {
	*jobstore.MemoryStore
	failTerminal bool
}

func (s *failingStore) Advance(ctx context.Context, id types.JobID, d jobstore.Delta) error {
	if s.failTerminal && d.Status.Terminal() {
		return errors.New("backend down")
	}
	return s.MemoryStore.Advance(ctx, id, d)
}

type fakeObjects struct {
	objects map[string][]byte
	buckets []string
}

func (f *fakeObjects) Download(_ context.Context, bucket, key string, w io.Writer) error {
	f.buckets = append(f.buckets, bucket)
	data, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("object %q: %w", key, objectstore.ErrNotFound)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeObjects) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Download(ctx, bucket, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newHandler(store jobstore.Store, exec Executor, objects objectstore.Client) *Handler {
	return &Handler{
		Jobs:             store,
		Runner:           exec,
		Workspaces:       workspace.NewMaterializer(objects),
		DirectTimeout:    10 * time.Second,
		WorkspaceTimeout: 30 * time.Second,
		TaskDeadline:     60 * time.Second,
	}
}

func seedJob(id string) *jobstore.MemoryStore {
	s := jobstore.NewMemoryStore()
	s.Put(types.Job{JobID: id, Status: types.StatusQueued})
	return s
}

func directPayload(id string) types.TaskPayload {
	return types.TaskPayload{JobID: id, Code: "print('hi')", Language: "python"}
}

func TestExecuteDirectSuccess(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "hi\n", Classification: types.ClassOK}}
	h := newHandler(store, exec, nil)

	code, _ := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusOK, code)

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "hi\n", job.Output)
	assert.NotEmpty(t, job.ProcessingStartedAt)
	assert.NotEmpty(t, job.CompletedAt)
	assert.NotEmpty(t, job.ExpiresAt)
}

func TestExecuteDirectUserErrorIsAcked(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{
		Stdout:         "partial\n",
		ErrorDetail:    "NameError: name 'x' is not defined",
		Classification: types.ClassUserError,
	}}
	h := newHandler(store, exec, nil)

	code, _ := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusOK, code, "user errors are processed jobs, not delivery failures")

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.FailureUserCode, job.FailureType)
	assert.Equal(t, "partial\n", job.Output)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "NameError")
}

func TestExecuteDirectTimeout(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{
		ErrorDetail:    "Execution timed out after 10 seconds.",
		Classification: types.ClassTimeout,
	}}
	h := newHandler(store, exec, nil)

	code, _ := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.FailureTimeout, job.FailureType)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Execution timed out after 10 seconds.", *job.Error)
}

func TestExecuteDirectTerminalReplayIsAcked(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(types.Job{JobID: "j1", Status: types.StatusCompleted, Output: "done\n"})
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "again\n", Classification: types.ClassOK}}
	h := newHandler(store, exec, nil)

	code, body := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "job already terminal", body["detail"])

	// The record is untouched and the sandbox never ran.
	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, "done\n", job.Output)
	assert.Empty(t, exec.lastReq.Code)
}

func TestExecuteDirectMissingRecordIsAcked(t *testing.T) {
	h := newHandler(jobstore.NewMemoryStore(), &fakeExecutor{}, nil)
	code, _ := h.ExecuteDirect(context.Background(), directPayload("ghost"))
	assert.Equal(t, http.StatusOK, code)
}

func TestExecuteDirectTerminalWriteFailureRequestsRedelivery(t *testing.T) {
	store := &failingStore{MemoryStore: seedJob("j1"), failTerminal: true}
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "hi\n", Classification: types.ClassOK}}
	h := newHandler(store, exec, nil)

	code, _ := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestExecuteDirectPanicBecomesInternalFailure(t *testing.T) {
	store := seedJob("j1")
	h := newHandler(store, &fakeExecutor{panicMsg: "boom"}, nil)

	code, _ := h.ExecuteDirect(context.Background(), directPayload("j1"))
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.FailureWorkerInternal, job.FailureType)
	require.NotNil(t, job.Error)
	assert.NotContains(t, *job.Error, "boom", "panic values must not leak into the record")
}

func workspacePayload(id string) types.AuthTaskPayload {
	return types.AuthTaskPayload{
		JobID:          id,
		WorkspaceID:    "ws-1",
		EntrypointFile: "main.py",
		Language:       "python",
		R2BucketName:   "bucket",
		Files: []types.FileRef{
			{R2ObjectKey: "ws-1/main.py", FilePath: "main.py"},
		},
	}
}

func TestExecuteWorkspaceSuccess(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "ok\n", Classification: types.ClassOK}}
	objects := &fakeObjects{objects: map[string][]byte{"ws-1/main.py": []byte("print('ok')\n")}}
	h := newHandler(store, exec, objects)

	code, _ := h.ExecuteWorkspace(context.Background(), workspacePayload("j1"))
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "ok\n", job.Output)

	assert.Equal(t, sandbox.KindScript, exec.lastReq.Kind)
	assert.Equal(t, "main.py", exec.lastReq.ScriptPath)
	assert.NotEmpty(t, exec.lastReq.Dir)
}

// Downloads go against the bucket named in the task payload, not a bucket
// fixed at startup.
func TestExecuteWorkspaceUsesPayloadBucket(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "ok\n", Classification: types.ClassOK}}
	objects := &fakeObjects{objects: map[string][]byte{"ws-1/main.py": []byte("print('ok')\n")}}
	h := newHandler(store, exec, objects)

	p := workspacePayload("j1")
	p.R2BucketName = "job-bucket"
	code, _ := h.ExecuteWorkspace(context.Background(), p)
	assert.Equal(t, http.StatusOK, code)

	require.NotEmpty(t, objects.buckets)
	for _, b := range objects.buckets {
		assert.Equal(t, "job-bucket", b)
	}
}

// A leading separator on the entrypoint is cosmetic: "/main.py" verifies
// and runs as "main.py".
func TestExecuteWorkspaceEntrypointLeadingSeparator(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "ok\n", Classification: types.ClassOK}}
	objects := &fakeObjects{objects: map[string][]byte{"ws-1/main.py": []byte("print('ok')\n")}}
	h := newHandler(store, exec, objects)

	p := workspacePayload("j1")
	p.EntrypointFile = "/main.py"
	code, _ := h.ExecuteWorkspace(context.Background(), p)
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "main.py", exec.lastReq.ScriptPath, "the sandbox gets the workspace-relative path")
}

func TestExecuteWorkspaceEmptyManifest(t *testing.T) {
	store := seedJob("j1")
	h := newHandler(store, &fakeExecutor{}, &fakeObjects{})

	p := workspacePayload("j1")
	p.Files = nil
	code, _ := h.ExecuteWorkspace(context.Background(), p)
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.FailureWorkerInternal, job.FailureType)
	require.NotNil(t, job.Error)
	assert.Equal(t, "No files found in job payload manifest to download.", *job.Error)
}

func TestExecuteWorkspaceDownloadFailureIsSanitized(t *testing.T) {
	store := seedJob("j1")
	h := newHandler(store, &fakeExecutor{}, &fakeObjects{objects: map[string][]byte{}})

	code, _ := h.ExecuteWorkspace(context.Background(), workspacePayload("j1"))
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Internal worker error: failed to fetch workspace files", *job.Error)
	assert.NotContains(t, *job.Error, "ws-1/main.py")
}

func TestExecuteWorkspaceMissingEntrypoint(t *testing.T) {
	store := seedJob("j1")
	objects := &fakeObjects{objects: map[string][]byte{"ws-1/other.py": []byte("x = 1\n")}}
	h := newHandler(store, &fakeExecutor{}, objects)

	p := workspacePayload("j1")
	p.Files = []types.FileRef{{R2ObjectKey: "ws-1/other.py", FilePath: "other.py"}}
	code, _ := h.ExecuteWorkspace(context.Background(), p)
	assert.Equal(t, http.StatusOK, code)

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, types.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Entrypoint 'main.py' not found in downloaded workspace.", *job.Error)
}

func TestExecuteWorkspaceStatusChain(t *testing.T) {
	store := seedJob("j1")
	exec := &fakeExecutor{outcome: types.Outcome{Stdout: "ok\n", Classification: types.ClassOK}}
	objects := &fakeObjects{objects: map[string][]byte{"ws-1/main.py": []byte("print('ok')\n")}}
	h := newHandler(store, exec, objects)

	_, _ = h.ExecuteWorkspace(context.Background(), workspacePayload("j1"))

	// The chain ran to completion; replay must now be a no-op ack.
	code, body := h.ExecuteWorkspace(context.Background(), workspacePayload("j1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "job already terminal", body["detail"])
}

func TestBuildFinalDelta(t *testing.T) {
	d := buildFinalDelta(types.Outcome{Stdout: "out", Classification: types.ClassOK})
	assert.Equal(t, types.StatusCompleted, d.Status)
	require.NotNil(t, d.Output)
	assert.Equal(t, "out", *d.Output)
	assert.Nil(t, d.Error)

	d = buildFinalDelta(types.Outcome{ErrorDetail: "bad", Classification: types.ClassUserError})
	assert.Equal(t, types.StatusFailed, d.Status)
	assert.Equal(t, types.FailureUserCode, d.FailureType)

	d = buildFinalDelta(types.Outcome{ErrorDetail: "slow", Classification: types.ClassTimeout})
	assert.Equal(t, types.FailureTimeout, d.FailureType)

	d = buildFinalDelta(types.Outcome{ErrorDetail: "oops", Classification: types.ClassInternal})
	assert.Equal(t, types.FailureWorkerInternal, d.FailureType)
	assert.Nil(t, d.Output)
}
