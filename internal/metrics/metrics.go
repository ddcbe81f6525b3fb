// Package metrics provides Prometheus metrics for the canopy engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tree cache metrics
	fragmentCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_fragment_cache_hits_total",
			Help: "Fragment cache reads served from cache",
		},
		[]string{"freshness"}, // fresh, stale
	)

	fragmentCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_fragment_cache_misses_total",
			Help: "Fragment cache reads that required a blocking fetch",
		},
	)

	fragmentFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_fragment_fetches_total",
			Help: "Fragment fetches against the gateway",
		},
		[]string{"status"}, // success, error
	)

	fragmentFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_fragment_fetch_duration_seconds",
			Help:    "Fragment fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Status poller metrics
	pollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_poll_ticks_total",
			Help: "Status poll ticks per outcome",
		},
		[]string{"outcome"}, // reschedule, settled, empty, timeout, fetch_error
	)

	scopesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_poll_scopes_active",
			Help: "Number of status scopes currently polling",
		},
	)

	notificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_index_failure_notifications_total",
			Help: "Deduplicated per-scope index failure notifications emitted",
		},
	)

	// Deletion metrics
	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_resource_deletions_total",
			Help: "Knowledge-base resource deletions",
		},
		[]string{"status"}, // success, error
	)

	deletionBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_deletion_batch_size",
			Help:    "Number of candidates per deletion batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheHit records a fragment cache hit, fresh or stale.
func RecordCacheHit(fresh bool) {
	freshness := "fresh"
	if !fresh {
		freshness = "stale"
	}
	fragmentCacheHits.WithLabelValues(freshness).Inc()
}

// RecordCacheMiss records a fragment cache miss.
func RecordCacheMiss() {
	fragmentCacheMisses.Inc()
}

// RecordFragmentFetch records a fragment fetch against the gateway.
func RecordFragmentFetch(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	fragmentFetchesTotal.WithLabelValues(status).Inc()
	fragmentFetchDuration.Observe(duration.Seconds())
}

// RecordPollTick records a status poll tick outcome.
func RecordPollTick(outcome string) {
	pollTicksTotal.WithLabelValues(outcome).Inc()
}

// SetScopesActive sets the number of actively polling scopes.
func SetScopesActive(count int) {
	scopesActive.Set(float64(count))
}

// RecordNotification records an emitted index failure notification.
func RecordNotification() {
	notificationsTotal.Inc()
}

// RecordDeletion records a single resource deletion outcome.
func RecordDeletion(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	deletionsTotal.WithLabelValues(status).Inc()
}

// RecordDeletionBatch records the size of a deletion batch.
func RecordDeletionBatch(size int) {
	deletionBatchSize.Observe(float64(size))
}
