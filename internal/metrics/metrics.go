// Package metrics exposes Prometheus instrumentation for the engine.
// Dropped cost records get their own counter: cost tracking is fail-open,
// so this counter is the only signal that billing data is being lost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_requests_enqueued_total",
		Help: "Requests accepted into the queue, by priority.",
	}, []string{"priority"})

	RequestsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_requests_completed_total",
		Help: "Requests that reached a terminal state, by status.",
	}, []string{"status"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_cache_lookups_total",
		Help: "Semantic cache lookups, by outcome (hit, miss, error).",
	}, []string{"outcome"})

	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_cache_write_failures_total",
		Help: "Cache writes that failed after a successful provider call.",
	})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_provider_calls_total",
		Help: "Upstream provider calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	CostRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_cost_records_dropped_total",
		Help: "Completed requests whose cost tracking failed.",
	})

	StaleClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_stale_claims_released_total",
		Help: "Processing claims reclaimed from crashed or stuck workers.",
	})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conduit_provider_latency_seconds",
		Help:    "Upstream provider call latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})
)
