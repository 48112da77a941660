// Package metrics holds the Prometheus instrumentation shared by the cache and
// realtime components. Every recorder method is safe to call on a nil receiver,
// so components can run uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics holds Prometheus metrics for the response cache.
type CacheMetrics struct {
	// HitsTotal counts reads answered from a fresh entry.
	HitsTotal prometheus.Counter
	// StaleHitsTotal counts reads answered from a stale entry while a refresh runs.
	StaleHitsTotal prometheus.Counter
	// MissesTotal counts reads that had to wait for a fetch.
	MissesTotal prometheus.Counter
	// SharedTotal counts callers that joined an in-flight fetch instead of starting one.
	SharedTotal prometheus.Counter
	// FetchErrorsTotal counts failed fetches, labelled by path (sync or background).
	FetchErrorsTotal *prometheus.CounterVec
	// InvalidatedTotal counts entries removed by invalidation.
	InvalidatedTotal prometheus.Counter
}

// NewCacheMetrics creates and registers the cache metrics on the default registry.
func NewCacheMetrics() *CacheMetrics {
	return &CacheMetrics{
		HitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_cache_hits_total",
			Help: "Total number of cache reads served from a fresh entry",
		}),
		StaleHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_cache_stale_hits_total",
			Help: "Total number of cache reads served stale while revalidating",
		}),
		MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_cache_misses_total",
			Help: "Total number of cache reads that waited on a fetch",
		}),
		SharedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_cache_shared_fetches_total",
			Help: "Total number of callers that joined an in-flight fetch",
		}),
		FetchErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobfeed_cache_fetch_errors_total",
			Help: "Total number of failed cache fetches by path",
		}, []string{"path"}),
		InvalidatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_cache_invalidated_entries_total",
			Help: "Total number of cache entries removed by invalidation",
		}),
	}
}

// NewCacheMetricsWithRegistry creates cache metrics registered on reg.
// Use it in tests or when several caches need isolated registries.
func NewCacheMetricsWithRegistry(reg *prometheus.Registry) *CacheMetrics {
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_cache_hits_total",
		Help: "Total number of cache reads served from a fresh entry",
	})
	staleHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_cache_stale_hits_total",
		Help: "Total number of cache reads served stale while revalidating",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_cache_misses_total",
		Help: "Total number of cache reads that waited on a fetch",
	})
	shared := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_cache_shared_fetches_total",
		Help: "Total number of callers that joined an in-flight fetch",
	})
	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfeed_cache_fetch_errors_total",
		Help: "Total number of failed cache fetches by path",
	}, []string{"path"})
	invalidated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_cache_invalidated_entries_total",
		Help: "Total number of cache entries removed by invalidation",
	})

	reg.MustRegister(hits, staleHits, misses, shared, fetchErrors, invalidated)

	return &CacheMetrics{
		HitsTotal:        hits,
		StaleHitsTotal:   staleHits,
		MissesTotal:      misses,
		SharedTotal:      shared,
		FetchErrorsTotal: fetchErrors,
		InvalidatedTotal: invalidated,
	}
}

// RecordHit increments the fresh-hit counter.
func (m *CacheMetrics) RecordHit() {
	if m == nil {
		return
	}
	m.HitsTotal.Inc()
}

// RecordStaleHit increments the stale-hit counter.
func (m *CacheMetrics) RecordStaleHit() {
	if m == nil {
		return
	}
	m.StaleHitsTotal.Inc()
}

// RecordMiss increments the miss counter.
func (m *CacheMetrics) RecordMiss() {
	if m == nil {
		return
	}
	m.MissesTotal.Inc()
}

// RecordShared increments the shared-fetch counter.
func (m *CacheMetrics) RecordShared() {
	if m == nil {
		return
	}
	m.SharedTotal.Inc()
}

// RecordFetchError increments the fetch error counter for path ("sync" or "background").
func (m *CacheMetrics) RecordFetchError(path string) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(path).Inc()
}

// RecordInvalidated adds n to the invalidated entries counter.
func (m *CacheMetrics) RecordInvalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InvalidatedTotal.Add(float64(n))
}
