// Package metrics collects and exposes worker runtime metrics for
// Prometheus scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the worker's Prometheus instruments.
type Collector struct {
	registry *prometheus.Registry

	jobsProcessed         *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
	jobsInFlight          prometheus.Gauge
	terminalWriteFailures prometheus.Counter

	filesDownloaded prometheus.Counter
	snippetsIndexed prometheus.Counter
	keywordFallback prometheus.Counter
}

// NewCollector creates and registers the worker's metrics on its own
// registry, so tests can build collectors without global-registry clashes.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_jobs_processed_total",
			Help: "Total number of jobs driven to a terminal status",
		}, []string{"status", "failure_type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runner_job_duration_seconds",
			Help:    "Wall-clock time from task receipt to terminal write",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"flow"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runner_jobs_in_flight",
			Help: "Current number of jobs being executed",
		}),
		terminalWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_terminal_write_failures_total",
			Help: "Terminal status writes that failed after retries (task redelivered)",
		}),
		filesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_workspace_files_downloaded_total",
			Help: "Total workspace files materialized from object storage",
		}),
		snippetsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_index_chunks_total",
			Help: "Total chunks written to the vector store",
		}),
		keywordFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_keyword_fallback_total",
			Help: "Keyword searches served by the scan fallback instead of the text index",
		}),
	}

	c.registry.MustRegister(
		c.jobsProcessed,
		c.jobDuration,
		c.jobsInFlight,
		c.terminalWriteFailures,
		c.filesDownloaded,
		c.snippetsIndexed,
		c.keywordFallback,
	)
	return c
}

// RecordJob records one terminal transition. failureType is empty for
// completed jobs.
func (c *Collector) RecordJob(status, failureType string) {
	c.jobsProcessed.WithLabelValues(status, failureType).Inc()
}

// ObserveDuration records end-to-end task handling time for a flow
// ("direct", "workspace", "index", "search").
func (c *Collector) ObserveDuration(flow string, seconds float64) {
	c.jobDuration.WithLabelValues(flow).Observe(seconds)
}

func (c *Collector) JobStarted()  { c.jobsInFlight.Inc() }
func (c *Collector) JobFinished() { c.jobsInFlight.Dec() }

// RecordTerminalWriteFailure counts a failed terminal write; the queue will
// redeliver the task.
func (c *Collector) RecordTerminalWriteFailure() { c.terminalWriteFailures.Inc() }

func (c *Collector) RecordFilesDownloaded(n int) { c.filesDownloaded.Add(float64(n)) }
func (c *Collector) RecordChunksIndexed(n int)   { c.snippetsIndexed.Add(float64(n)) }
func (c *Collector) RecordKeywordFallback()      { c.keywordFallback.Inc() }

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port. Blocks.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
