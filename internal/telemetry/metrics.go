// Package telemetry holds the service's prometheus collectors and the
// /metrics handler.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_jobs_enqueued_total", Help: "Jobs accepted into the pipeline"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_jobs_completed_total", Help: "Jobs that produced markdown output"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_jobs_failed_total", Help: "Jobs that exhausted their retries"})
	JobRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_job_retries_total", Help: "Attempts re-queued with backoff"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	ScansRun         = prometheus.NewCounter(prometheus.CounterOpts{Name: "fns_inbox_scans_total", Help: "Incoming directory reconciliation scans"})

	QueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fns_queue_depth", Help: "Jobs waiting on the ready queue"})
	ScheduledDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fns_scheduled_depth", Help: "Retries parked until their not-before time"})
	InFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fns_jobs_inflight", Help: "Jobs currently converting"})
	ConvertDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fns_convert_duration_seconds",
		Help:    "Wall time of a single conversion attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			RateLimitRejects,
			ScansRun,
			QueueDepth,
			ScheduledDepth,
			InFlight,
			ConvertDuration,
		)
	})
	return promhttp.Handler()
}
