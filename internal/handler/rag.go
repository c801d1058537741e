package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/hexbase/runnerd/pkg/types"
)

// SearchRequest is the body of a retrieval query.
type SearchRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	Query       string `json:"query" binding:"required"`
}

// IndexWorkspace ingests a workspace manifest into the vector store. When
// the request carries a job ID, progress is reported through the job state
// machine and the summary lands in the record's output field; the queue ack
// protocol then matches execution tasks. Without a job ID the summary is
// returned inline.
func (h *Handler) IndexWorkspace(ctx context.Context, req types.IndexRequest) (int, gin.H) {
	if h.Index == nil {
		return http.StatusServiceUnavailable, gin.H{"status": "unavailable", "detail": "indexing backend not configured"}
	}

	if req.JobID != "" {
		return h.process(ctx, types.JobID(req.JobID), types.StatusProcessingDirect, "index",
			func(ctx context.Context) (types.Outcome, verdict) {
				summary, err := h.Index.IndexWorkspace(ctx, req)
				if err != nil {
					log.WithError(err).WithField("workspace_id", req.WorkspaceID).Error("Indexing failed")
					return types.Outcome{
						ErrorDetail:    "Internal worker error: failed to index workspace",
						Classification: types.ClassInternal,
					}, verdictFinish
				}
				return types.Outcome{Stdout: summaryJSON(summary), Classification: types.ClassOK}, verdictFinish
			})
	}

	ctx, cancel := context.WithTimeout(ctx, h.TaskDeadline)
	defer cancel()
	start := time.Now()

	summary, err := h.Index.IndexWorkspace(ctx, req)
	if h.Metrics != nil {
		h.Metrics.ObserveDuration("index", time.Since(start).Seconds())
	}
	if err != nil {
		log.WithError(err).WithField("workspace_id", req.WorkspaceID).Error("Indexing failed")
		return http.StatusInternalServerError, gin.H{"status": "retry", "detail": "indexing failed"}
	}
	return http.StatusOK, gin.H{"status": "ok", "summary": summary}
}

// SearchWorkspace answers a retrieval query with ranked snippets.
func (h *Handler) SearchWorkspace(ctx context.Context, req SearchRequest) (int, gin.H) {
	if h.Search == nil {
		return http.StatusServiceUnavailable, gin.H{"status": "unavailable", "detail": "retrieval backend not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, h.TaskDeadline)
	defer cancel()
	start := time.Now()

	snippets, err := h.Search.Retrieve(ctx, req.WorkspaceID, req.Query)
	if h.Metrics != nil {
		h.Metrics.ObserveDuration("search", time.Since(start).Seconds())
	}
	if err != nil {
		log.WithError(err).WithField("workspace_id", req.WorkspaceID).Error("Retrieval failed")
		return http.StatusInternalServerError, gin.H{"status": "error", "detail": "retrieval failed"}
	}
	if snippets == nil {
		snippets = []types.Snippet{}
	}
	return http.StatusOK, gin.H{"status": "ok", "snippets": snippets}
}

func summaryJSON(s types.IndexSummary) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `{"indexed":0,"skipped":0,"errors":["summary encoding failed"]}`
	}
	return string(data)
}
