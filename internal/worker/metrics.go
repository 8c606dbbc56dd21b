package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the worker. Registered once on the default
// registry regardless of how many Worker instances a process (or test binary)
// creates.
var (
	metricsOnce sync.Once

	jobsProcessedTotal prometheus.Counter
	jobsFailedTotal    prometheus.Counter
	activeJobsGauge    prometheus.Gauge
	jobDurationSeconds prometheus.Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		jobsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "gallery_worker_jobs_processed_total",
			Help: "Jobs that reached terminal success.",
		})
		jobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "gallery_worker_jobs_failed_total",
			Help: "Jobs that exhausted retries and were marked failed.",
		})
		activeJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gallery_worker_active_jobs",
			Help: "Currently in-flight job handlers.",
		})
		jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gallery_worker_job_duration_seconds",
			Help:    "Wall-clock duration of successful job handling.",
			Buckets: prometheus.DefBuckets,
		})
	})
}
