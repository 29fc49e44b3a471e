// Package metrics exposes Prometheus counters for the control plane's
// background machines: rate-limit rejections, lease contention, and
// erasure/retention batch progress. These are the signals an operator
// watches to know whether the sweepers are keeping up.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector registered by this package, separate from
// the global default registry so tests can spin up a fresh one per case.
var Registry = prometheus.NewRegistry()

var (
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by the fixed-window rate limiter, by key prefix.",
		},
		[]string{"endpoint"},
	)

	LeaseContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "scheduler",
			Name:      "lease_contention_total",
			Help:      "Total number of times a lease acquisition lost to a concurrent holder.",
		},
		[]string{"machine"},
	)

	ErasureBatchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "erasure",
			Name:      "batches_processed_total",
			Help:      "Total number of project-erasure job batches processed, by stage.",
		},
		[]string{"stage"},
	)

	RetentionRowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "retention",
			Name:      "rows_deleted_total",
			Help:      "Total number of rows deleted by the retention sweeper, by table.",
		},
		[]string{"table"},
	)
)

func init() {
	Registry.MustRegister(RateLimitRejections, LeaseContention, ErasureBatchesProcessed, RetentionRowsDeleted)
}

// Handler returns an http.Handler serving the registry in the Prometheus
// text exposition format, suitable for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
