// Package metrics exposes Prometheus counters for ingestion runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transforms"

var RecordsRead = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_read_total",
		Help:      "Records read from extract files.",
	},
	[]string{"source", "content_type"},
)

var RecordFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_failures_total",
		Help:      "Records that failed to map.",
	},
	[]string{"source", "content_type", "policy"},
)

var EntitiesSaved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entities_saved_total",
		Help:      "Canonical entities written to the entity store.",
	},
	[]string{"source", "entity_type"},
)

var BatchesDispatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_dispatched_total",
		Help:      "Lookup batches handed to the worker pool.",
	},
)

var BatchFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_failures_total",
		Help:      "Lookup batches the auxiliary store rejected.",
	},
)

var Runs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed pipeline runs by outcome.",
	},
	[]string{"source", "outcome"},
)

var ActiveRuns = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Pipeline runs currently executing.",
	},
)

var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{"source"},
)

var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by route pattern and status.",
	},
	[]string{"method", "route", "status"},
)

func init() {
	prometheus.MustRegister(RecordsRead)
	prometheus.MustRegister(RecordFailures)
	prometheus.MustRegister(EntitiesSaved)
	prometheus.MustRegister(BatchesDispatched)
	prometheus.MustRegister(BatchFailures)
	prometheus.MustRegister(Runs)
	prometheus.MustRegister(ActiveRuns)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(HTTPRequests)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
