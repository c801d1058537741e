// Package server wires the queue-facing HTTP surface: health, execution
// task endpoints and the RAG endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/hexbase/runnerd/internal/handler"
	"github.com/hexbase/runnerd/pkg/types"
)

// New builds the gin engine. A nil handler means the worker's required
// backends failed to initialize; the task endpoints then answer 503 so the
// queue backs off instead of burning retries.
func New(h *handler.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/execute", func(c *gin.Context) {
		if !ready(c, h) {
			return
		}
		var p types.TaskPayload
		if !bind(c, &p) {
			return
		}
		c.JSON(h.ExecuteDirect(c.Request.Context(), p))
	})

	r.POST("/execute_auth", func(c *gin.Context) {
		if !ready(c, h) {
			return
		}
		var p types.AuthTaskPayload
		if !bind(c, &p) {
			return
		}
		c.JSON(h.ExecuteWorkspace(c.Request.Context(), p))
	})

	r.POST("/index_workspace", func(c *gin.Context) {
		if !ready(c, h) {
			return
		}
		var p types.IndexRequest
		if !bind(c, &p) {
			return
		}
		c.JSON(h.IndexWorkspace(c.Request.Context(), p))
	})

	r.POST("/search", func(c *gin.Context) {
		if !ready(c, h) {
			return
		}
		var p handler.SearchRequest
		if !bind(c, &p) {
			return
		}
		c.JSON(h.SearchWorkspace(c.Request.Context(), p))
	})

	return r
}

func ready(c *gin.Context, h *handler.Handler) bool {
	if h == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "detail": "worker backends not initialized"})
		return false
	}
	return true
}

// bind decodes and validates the request body. A malformed payload is a
// permanent failure: 400 acknowledges nothing will fix it on redelivery.
func bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		log.WithError(err).WithField("path", c.FullPath()).Warn("Rejecting malformed task payload")
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "detail": "invalid payload"})
		return false
	}
	return true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("Request handled")
	}
}
