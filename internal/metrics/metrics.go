// Package metrics holds the Prometheus collectors of the service.
//
// Collectors are package-level and registered once on a dedicated registry
// served at /metrics. Tests read them back with prometheus/testutil.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "clickpay"

var (
	// SettlementsTotal counts click submissions by outcome: settled,
	// duplicate, inactive, not_found, forbidden, error.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Click submissions by outcome.",
		},
		[]string{"outcome"},
	)

	AutoDeletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_auto_deletions_total",
			Help:      "Posts retired after reaching their click limit.",
		},
	)

	WithdrawalsRequestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_requested_total",
			Help:      "Withdrawal requests accepted, by payout method.",
		},
		[]string{"method"},
	)

	WithdrawalsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_resolved_total",
			Help:      "Withdrawals resolved by an admin, by decision.",
		},
		[]string{"decision"},
	)

	SessionsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Sessions created, by login path.",
		},
		[]string{"path"},
	)

	CodeVerifyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_verify_failures_total",
			Help:      "Rejected one-time code submissions, by purpose.",
		},
		[]string{"purpose"},
	)

	PermanentCodeCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_code_cache_total",
			Help:      "Permanent-code cache lookups, by result (hit, miss).",
		},
		[]string{"result"},
	)

	DispatchJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_total",
			Help:      "Notification jobs by event: enqueued, delivered, retried, dropped.",
		},
		[]string{"event"},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Notification jobs waiting in the in-memory queue.",
		},
	)

	JanitorSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_swept_total",
			Help:      "Rows removed by the periodic janitor, by kind.",
		},
		[]string{"kind"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Collectors returns every collector of this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SettlementsTotal,
		AutoDeletionsTotal,
		WithdrawalsRequestedTotal,
		WithdrawalsResolvedTotal,
		SessionsIssuedTotal,
		CodeVerifyFailuresTotal,
		PermanentCodeCacheTotal,
		DispatchJobsTotal,
		DispatchQueueDepth,
		JanitorSweptTotal,
		HTTPRequestDuration,
	}
}

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// Registry returns the process registry with the domain collectors plus the
// Go runtime and process collectors. It is built on first use.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(Collectors()...)
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return registry
}
