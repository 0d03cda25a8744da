// Package observability exposes Prometheus metrics for annotation runs.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "varanno_cache_ops_total",
			Help: "Cache storage operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "varanno_cache_op_duration_seconds",
			Help:    "Duration of cache storage operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
		[]string{"op"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "varanno_cache_results_total",
			Help: "Cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	oracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "varanno_oracle_calls_total",
			Help: "External oracle calls by outcome.",
		},
		[]string{"outcome"},
	)

	oracleCallDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "varanno_oracle_call_duration_seconds",
			Help:    "Latency of external oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	oracleRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "varanno_oracle_retries_total",
			Help: "Oracle call attempts beyond the first.",
		},
	)

	records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "varanno_records_total",
			Help: "Input records by outcome.",
		},
		[]string{"outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOps.WithLabelValues(op, outcome).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func AddCacheHits(n int) {
	if n > 0 {
		cacheResults.WithLabelValues("hit").Add(float64(n))
	}
}

func AddCacheMisses(n int) {
	if n > 0 {
		cacheResults.WithLabelValues("miss").Add(float64(n))
	}
}

func ObserveOracleCall(outcome string, durationSeconds float64) {
	if outcome == "" {
		outcome = "ok"
	}
	oracleCalls.WithLabelValues(outcome).Inc()
	oracleCallDurationSeconds.Observe(durationSeconds)
}

func IncOracleRetry() {
	oracleRetries.Inc()
}

func IncRecord(outcome string) {
	records.WithLabelValues(outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
