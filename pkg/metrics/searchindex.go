package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SearchMetrics provides observability for SearchIndex lookups and its
// result cache.
type SearchMetrics interface {
	// RecordSearch records one Search call: whether it was served from
	// the result cache, and how long it took.
	RecordSearch(cacheHit bool, duration time.Duration)
}

type searchMetrics struct {
	searchesTotal   *prometheus.CounterVec
	searchDuration  prometheus.Histogram
}

// NewSearchMetrics creates a Prometheus-backed SearchMetrics instance, or
// a no-op one if metrics collection is disabled.
func NewSearchMetrics() SearchMetrics {
	if !IsEnabled() {
		return noopSearchMetrics{}
	}

	reg := GetRegistry()

	return &searchMetrics{
		searchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_search_queries_total",
				Help: "Total number of SearchIndex queries by cache outcome",
			},
			[]string{"cache"},
		),
		searchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vaultfs_search_query_duration_seconds",
				Help:    "Duration of SearchIndex queries in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
			},
		),
	}
}

func (m *searchMetrics) RecordSearch(cacheHit bool, duration time.Duration) {
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	m.searchesTotal.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(duration.Seconds())
}

// noopSearchMetrics is a zero-overhead SearchMetrics implementation.
type noopSearchMetrics struct{}

func (noopSearchMetrics) RecordSearch(cacheHit bool, duration time.Duration) {}
