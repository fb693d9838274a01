package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IdMapMetrics provides observability for IdMap and MetaCache operations:
// resolve/register latency, the debounced-commit queue depth, and
// MetaCache hit/miss rates.
//
// No store in this module takes an IdMapMetrics; callers record through it
// directly.
//
// Example usage:
//
//	// With metrics enabled (InitRegistry called first)
//	metrics.InitRegistry()
//	m := metrics.NewIdMapMetrics("badger")
//
//	// Without metrics: if InitRegistry was never called, the constructor
//	// returns a no-op implementation whatever backend name is passed
//	m := metrics.NewIdMapMetrics("json")
type IdMapMetrics interface {
	// RecordOperation records a completed IdMap operation (Resolve,
	// Register, Commit) with its duration and outcome.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordCacheHit records a MetaCache stat/listing cache hit.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a MetaCache stat/listing cache miss.
	RecordCacheMiss(cacheType string)

	// SetPendingOps reports the current depth of the debounced commit
	// queue.
	SetPendingOps(count int64)
}

// idMapMetrics is the Prometheus implementation of IdMapMetrics.
type idMapMetrics struct {
	backend           string
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	pendingOps        prometheus.Gauge
}

// NewIdMapMetrics creates a new Prometheus-backed IdMapMetrics instance.
//
// backend distinguishes the JSON-file IdMap from the BadgerDB-backed one.
// Returns a no-op implementation if metrics are not enabled.
func NewIdMapMetrics(backend string) IdMapMetrics {
	if !IsEnabled() {
		return &noopIdMapMetrics{}
	}

	reg := GetRegistry()

	return &idMapMetrics{
		backend: backend,
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_idmap_operations_total",
				Help: "Total number of IdMap operations by backend, operation, and status",
			},
			[]string{"backend", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "vaultfs_idmap_operation_duration_seconds",
				Help: "Duration of IdMap operations in seconds",
				Buckets: []float64{
					0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
				},
			},
			[]string{"backend", "operation"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_metacache_hits_total",
				Help: "Total number of MetaCache hits by backend and cache type",
			},
			[]string{"backend", "cache_type"},
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_metacache_misses_total",
				Help: "Total number of MetaCache misses by backend and cache type",
			},
			[]string{"backend", "cache_type"},
		),
		pendingOps: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "vaultfs_idmap_pending_ops",
				Help: "Current depth of the debounced IdMap commit queue",
				ConstLabels: prometheus.Labels{
					"backend": backend,
				},
			},
		),
	}
}

func (m *idMapMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(m.backend, operation, status).Inc()
	m.operationDuration.WithLabelValues(m.backend, operation).Observe(duration.Seconds())
}

func (m *idMapMetrics) RecordCacheHit(cacheType string) {
	m.cacheHits.WithLabelValues(m.backend, cacheType).Inc()
}

func (m *idMapMetrics) RecordCacheMiss(cacheType string) {
	m.cacheMisses.WithLabelValues(m.backend, cacheType).Inc()
}

func (m *idMapMetrics) SetPendingOps(count int64) {
	m.pendingOps.Set(float64(count))
}

// noopIdMapMetrics is a zero-overhead IdMapMetrics implementation.
type noopIdMapMetrics struct{}

func (noopIdMapMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopIdMapMetrics) RecordCacheHit(cacheType string)                                     {}
func (noopIdMapMetrics) RecordCacheMiss(cacheType string)                                    {}
func (noopIdMapMetrics) SetPendingOps(count int64)                                           {}
