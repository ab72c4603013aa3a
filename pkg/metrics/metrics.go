// Package metrics exposes Prometheus instrumentation for the
// datasource access subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryDuration observes warehouse query latency per backend type.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gridbase",
		Subsystem: "datasource",
		Name:      "query_duration_seconds",
		Help:      "Warehouse query execution latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"type"})

	// QueryErrors counts failed warehouse queries per backend type.
	QueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridbase",
		Subsystem: "datasource",
		Name:      "query_errors_total",
		Help:      "Warehouse queries that returned an error.",
	}, []string{"type"})

	// ValidatorRejections counts statements refused by the SQL safety
	// validator before reaching any connector.
	ValidatorRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbase",
		Subsystem: "datasource",
		Name:      "validator_rejections_total",
		Help:      "Ad-hoc SQL statements rejected by the safety validator.",
	})

	// PoolReuses counts SSO session pool hits on a live connection.
	PoolReuses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbase",
		Subsystem: "session_pool",
		Name:      "reuses_total",
		Help:      "Pooled SSO sessions reused without reconnecting.",
	})

	// PoolConnects counts fresh SSO connect attempts (after dedup).
	PoolConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbase",
		Subsystem: "session_pool",
		Name:      "connects_total",
		Help:      "Fresh SSO session connect attempts.",
	})

	// PoolEvictions counts pooled sessions evicted as stale or timed out.
	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbase",
		Subsystem: "session_pool",
		Name:      "evictions_total",
		Help:      "Pooled SSO sessions evicted.",
	})
)

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
