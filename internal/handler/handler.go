// Package handler implements the queue-task entry points: direct code
// execution, workspace execution, workspace indexing and retrieval search.
//
// The HTTP status code is the acknowledgement protocol with the task queue:
// 200 acknowledges the delivery (including user errors and timeouts, which
// are successful processing of a failing job), 500 asks for redelivery
// (only when a required store write failed), 503 means the worker's
// backends were unavailable at entry.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/hexbase/runnerd/internal/jobstore"
	"github.com/hexbase/runnerd/internal/metrics"
	"github.com/hexbase/runnerd/internal/sandbox"
	"github.com/hexbase/runnerd/internal/workspace"
	"github.com/hexbase/runnerd/pkg/types"
)

// Indexer ingests a workspace into the vector store.
type Indexer interface {
	IndexWorkspace(ctx context.Context, req types.IndexRequest) (types.IndexSummary, error)
}

// Retriever answers a search query with ranked code snippets.
type Retriever interface {
	Retrieve(ctx context.Context, workspaceID, query string) ([]types.Snippet, error)
}

// Executor runs one sandboxed execution. Satisfied by *sandbox.Runner.
type Executor interface {
	Run(ctx context.Context, req sandbox.Request) types.Outcome
}

// verdict is what the execution closure tells the task skeleton to do with
// the delivery.
type verdict int

const (
	verdictFinish verdict = iota // write the outcome as the terminal record
	verdictAck                   // another delivery owns the job; just ack
	verdictRetry                 // store failure mid-chain; request redelivery
)

// Handler processes queue tasks. All fields except Index and Search are
// required.
type Handler struct {
	Jobs       jobstore.Store
	Runner     Executor
	Workspaces *workspace.Materializer
	Index      Indexer
	Search     Retriever
	Metrics    *metrics.Collector

	DirectTimeout    time.Duration
	WorkspaceTimeout time.Duration
	TaskDeadline     time.Duration
}

// ExecuteDirect runs an inline code snippet and drives the job record
// queued → processing_direct → completed|failed.
func (h *Handler) ExecuteDirect(ctx context.Context, p types.TaskPayload) (int, gin.H) {
	return h.process(ctx, types.JobID(p.JobID), types.StatusProcessingDirect, "direct",
		func(ctx context.Context) (types.Outcome, verdict) {
			return h.Runner.Run(ctx, sandbox.Request{
				Kind:    sandbox.KindCode,
				Code:    p.Code,
				Input:   p.Input,
				Timeout: h.DirectTimeout,
			}), verdictFinish
		})
}

// ExecuteWorkspace materializes the job's file manifest and runs its
// entrypoint, driving the record through the workspace status chain.
func (h *Handler) ExecuteWorkspace(ctx context.Context, p types.AuthTaskPayload) (int, gin.H) {
	id := types.JobID(p.JobID)
	return h.process(ctx, id, types.StatusProcessingAuthWorkspace, "workspace",
		func(ctx context.Context) (types.Outcome, verdict) {
			if v := h.step(ctx, id, types.StatusFetchingFromR2); v != verdictFinish {
				return types.Outcome{}, v
			}

			if h.Workspaces == nil {
				return types.Outcome{
					ErrorDetail:    "Internal worker error: workspace storage not configured",
					Classification: types.ClassInternal,
				}, verdictFinish
			}
			root, cleanup, err := h.Workspaces.Materialize(ctx, id, p.R2BucketName, p.Files)
			if err != nil {
				return fetchFailure(id, err), verdictFinish
			}
			defer cleanup()
			if h.Metrics != nil {
				h.Metrics.RecordFilesDownloaded(len(p.Files))
			}

			if err := workspace.VerifyEntrypoint(root, p.EntrypointFile); err != nil {
				return types.Outcome{
					ErrorDetail:    fmt.Sprintf("Entrypoint '%s' not found in downloaded workspace.", p.EntrypointFile),
					Classification: types.ClassInternal,
				}, verdictFinish
			}

			if v := h.step(ctx, id, types.StatusRunningAuthWorkspace); v != verdictFinish {
				return types.Outcome{}, v
			}
			return h.Runner.Run(ctx, sandbox.Request{
				Kind:       sandbox.KindScript,
				ScriptPath: workspace.CleanPath(p.EntrypointFile),
				Dir:        root,
				Input:      p.Input,
				Timeout:    h.WorkspaceTimeout,
			}), verdictFinish
		})
}

// process is the shared task skeleton: idempotency check, claim, execute,
// terminal write.
func (h *Handler) process(ctx context.Context, id types.JobID, claim types.JobStatus, flow string, run func(context.Context) (types.Outcome, verdict)) (code int, body gin.H) {
	ctx, cancel := context.WithTimeout(ctx, h.TaskDeadline)
	defer cancel()
	start := time.Now()

	job, err := h.Jobs.Get(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.WithField("job_id", id).Error("Job record missing, acknowledging task")
		return http.StatusOK, gin.H{"status": "acknowledged", "detail": "job record not found"}
	}
	if err != nil {
		log.WithError(err).WithField("job_id", id).Error("Failed to load job record")
		return http.StatusInternalServerError, gin.H{"status": "retry", "detail": "job store unavailable"}
	}
	if job.Status.Terminal() {
		log.WithFields(log.Fields{"job_id": id, "status": job.Status}).Info("Duplicate delivery for terminal job, acknowledging")
		return http.StatusOK, gin.H{"status": "acknowledged", "detail": "job already terminal"}
	}

	switch h.step(ctx, id, claim) {
	case verdictAck:
		return http.StatusOK, gin.H{"status": "acknowledged", "detail": "job claimed elsewhere"}
	case verdictRetry:
		return http.StatusInternalServerError, gin.H{"status": "retry", "detail": "job store unavailable"}
	}

	if h.Metrics != nil {
		h.Metrics.JobStarted()
		defer h.Metrics.JobFinished()
		defer func() { h.Metrics.ObserveDuration(flow, time.Since(start).Seconds()) }()
	}

	outcome, v := h.runGuarded(ctx, id, run)
	switch v {
	case verdictAck:
		return http.StatusOK, gin.H{"status": "acknowledged", "detail": "job claimed elsewhere"}
	case verdictRetry:
		return http.StatusInternalServerError, gin.H{"status": "retry", "detail": "job store unavailable"}
	}
	return h.finalize(id, outcome)
}

// runGuarded shields the store from a panicking execution path: a panic
// becomes an internal failure instead of a job stuck in a processing state.
func (h *Handler) runGuarded(ctx context.Context, id types.JobID, run func(context.Context) (types.Outcome, verdict)) (outcome types.Outcome, v verdict) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"job_id": id, "panic": r}).Error("Panic while processing job")
			outcome = types.Outcome{
				ErrorDetail:    "Internal worker error: unexpected failure during execution",
				Classification: types.ClassInternal,
			}
			v = verdictFinish
		}
	}()
	return run(ctx)
}

// step advances to an intermediate status. A lost race (invalid transition)
// means another delivery owns the job; any other error is a store failure.
func (h *Handler) step(ctx context.Context, id types.JobID, to types.JobStatus) verdict {
	err := h.Jobs.Advance(ctx, id, jobstore.Delta{Status: to})
	switch {
	case err == nil:
		return verdictFinish
	case errors.Is(err, jobstore.ErrInvalidTransition):
		log.WithFields(log.Fields{"job_id": id, "to": to}).Info("Transition lost to concurrent delivery")
		return verdictAck
	default:
		log.WithError(err).WithFields(log.Fields{"job_id": id, "to": to}).Error("Failed to advance job status")
		return verdictRetry
	}
}

// finalize writes the terminal record. The terminal write is the one write
// that must not be lost: on failure the task is NOT acknowledged so the
// queue redelivers it, and the idempotency check on redelivery keeps the
// retry harmless.
func (h *Handler) finalize(id types.JobID, out types.Outcome) (int, gin.H) {
	delta := buildFinalDelta(out)

	// Independent context: the task deadline expiring must not also doom
	// the terminal write.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := h.Jobs.Advance(ctx, id, delta); err != nil {
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			// Concurrent delivery finished first; its result stands.
			return http.StatusOK, gin.H{"status": "acknowledged", "detail": "job already terminal"}
		}
		log.WithError(err).WithFields(log.Fields{
			"job_id": id,
			"status": delta.Status,
		}).Error("CRITICAL: failed to write terminal job status, requesting redelivery")
		if h.Metrics != nil {
			h.Metrics.RecordTerminalWriteFailure()
		}
		return http.StatusInternalServerError, gin.H{"status": "retry", "detail": "terminal status write failed"}
	}

	if h.Metrics != nil {
		h.Metrics.RecordJob(string(delta.Status), string(delta.FailureType))
	}
	log.WithFields(log.Fields{
		"job_id":  id,
		"status":  delta.Status,
		"verdict": out.Classification.String(),
	}).Info("Job finished")
	return http.StatusOK, gin.H{"status": "acknowledged", "job_status": delta.Status}
}

// buildFinalDelta maps a sandbox outcome onto the terminal record fields.
// A failing user program is still a successfully processed job.
func buildFinalDelta(out types.Outcome) jobstore.Delta {
	switch out.Classification {
	case types.ClassOK:
		return jobstore.Delta{Status: types.StatusCompleted, Output: &out.Stdout}
	case types.ClassUserError:
		return jobstore.Delta{
			Status:      types.StatusFailed,
			Output:      &out.Stdout,
			Error:       &out.ErrorDetail,
			FailureType: types.FailureUserCode,
		}
	case types.ClassTimeout:
		return jobstore.Delta{
			Status:      types.StatusFailed,
			Output:      &out.Stdout,
			Error:       &out.ErrorDetail,
			FailureType: types.FailureTimeout,
		}
	default:
		return jobstore.Delta{
			Status:      types.StatusFailed,
			Error:       &out.ErrorDetail,
			FailureType: types.FailureWorkerInternal,
		}
	}
}

// fetchFailure classifies a materialization error. Diagnostics stay generic:
// object-store errors can embed signed URLs and host paths that must not
// reach the user-visible record.
func fetchFailure(id types.JobID, err error) types.Outcome {
	log.WithError(err).WithField("job_id", id).Error("Workspace materialization failed")
	detail := "Internal worker error: failed to fetch workspace files"
	if errors.Is(err, workspace.ErrEmptyManifest) {
		detail = "No files found in job payload manifest to download."
	}
	return types.Outcome{ErrorDetail: detail, Classification: types.ClassInternal}
}
