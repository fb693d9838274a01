package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FileStoreMetrics provides observability for FileStore content
// operations: uploads, downloads, overwrites, and which write strategy
// (small/medium/large) handled each one.
//
// This interface is optional - a nil or no-op implementation costs
// nothing on the hot path.
type FileStoreMetrics interface {
	// RecordWrite records a Create/Overwrite that used the given size
	// class ("small", "medium", or "large").
	RecordWrite(sizeClass string, bytes int64, duration time.Duration, err error)

	// RecordRead records an OpenRead call.
	RecordRead(bytes int64, duration time.Duration, err error)
}

type fileStoreMetrics struct {
	writesTotal    *prometheus.CounterVec
	writeDuration  *prometheus.HistogramVec
	writeBytes     *prometheus.CounterVec
	readsTotal     *prometheus.CounterVec
	readDuration   prometheus.Histogram
	readBytes      prometheus.Counter
}

// NewFileStoreMetrics creates a Prometheus-backed FileStoreMetrics
// instance, or a no-op one if metrics collection is disabled.
func NewFileStoreMetrics() FileStoreMetrics {
	if !IsEnabled() {
		return noopFileStoreMetrics{}
	}

	reg := GetRegistry()

	return &fileStoreMetrics{
		writesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_filestore_writes_total",
				Help: "Total number of FileStore writes by size class and status",
			},
			[]string{"size_class", "status"},
		),
		writeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultfs_filestore_write_duration_seconds",
				Help:    "Duration of FileStore writes in seconds by size class",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"size_class"},
		),
		writeBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_filestore_write_bytes_total",
				Help: "Total bytes written to FileStore by size class",
			},
			[]string{"size_class"},
		),
		readsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_filestore_reads_total",
				Help: "Total number of FileStore reads by status",
			},
			[]string{"status"},
		),
		readDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vaultfs_filestore_read_duration_seconds",
				Help:    "Duration of FileStore OpenRead calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
		),
		readBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "vaultfs_filestore_read_bytes_total",
				Help: "Total bytes served by FileStore reads",
			},
		),
	}
}

func (m *fileStoreMetrics) RecordWrite(sizeClass string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.writesTotal.WithLabelValues(sizeClass, status).Inc()
	m.writeDuration.WithLabelValues(sizeClass).Observe(duration.Seconds())
	if err == nil {
		m.writeBytes.WithLabelValues(sizeClass).Add(float64(bytes))
	}
}

func (m *fileStoreMetrics) RecordRead(bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.readsTotal.WithLabelValues(status).Inc()
	m.readDuration.Observe(duration.Seconds())
	if err == nil {
		m.readBytes.Add(float64(bytes))
	}
}

// noopFileStoreMetrics is a zero-overhead FileStoreMetrics implementation.
type noopFileStoreMetrics struct{}

func (noopFileStoreMetrics) RecordWrite(sizeClass string, bytes int64, duration time.Duration, err error) {
}
func (noopFileStoreMetrics) RecordRead(bytes int64, duration time.Duration, err error) {}
