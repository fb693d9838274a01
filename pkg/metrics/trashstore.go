package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TrashMetrics provides observability for TrashStore soft-delete,
// restore, and the background retention scanner.
type TrashMetrics interface {
	// RecordSoftDelete records one SoftDelete call.
	RecordSoftDelete(isFolder bool)

	// RecordRestore records one Restore call.
	RecordRestore()

	// RecordPurge records one Purge call, successful or not.
	RecordPurge(err error)

	// RecordScan records one retention-scanner pass: how many expired
	// entries it found and how many it purged.
	RecordScan(found, purged int)
}

type trashMetrics struct {
	softDeletesTotal *prometheus.CounterVec
	restoresTotal    prometheus.Counter
	purgesTotal      *prometheus.CounterVec
	scanFound        prometheus.Counter
	scanPurged       prometheus.Counter
	scansTotal       prometheus.Counter
}

// NewTrashMetrics creates a Prometheus-backed TrashMetrics instance, or a
// no-op one if metrics collection is disabled.
func NewTrashMetrics() TrashMetrics {
	if !IsEnabled() {
		return noopTrashMetrics{}
	}

	reg := GetRegistry()

	return &trashMetrics{
		softDeletesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_soft_deletes_total",
				Help: "Total number of TrashStore soft-deletes by item kind",
			},
			[]string{"kind"},
		),
		restoresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_restores_total",
				Help: "Total number of TrashStore restores",
			},
		),
		purgesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_purges_total",
				Help: "Total number of TrashStore purges by status",
			},
			[]string{"status"},
		),
		scanFound: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_scan_entries_found_total",
				Help: "Total number of expired trash entries found by the retention scanner",
			},
		),
		scanPurged: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_scan_entries_purged_total",
				Help: "Total number of trash entries purged by the retention scanner",
			},
		),
		scansTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "vaultfs_trash_scans_total",
				Help: "Total number of retention scanner passes",
			},
		),
	}
}

func (m *trashMetrics) RecordSoftDelete(isFolder bool) {
	kind := "file"
	if isFolder {
		kind = "folder"
	}
	m.softDeletesTotal.WithLabelValues(kind).Inc()
}

func (m *trashMetrics) RecordRestore() {
	m.restoresTotal.Inc()
}

func (m *trashMetrics) RecordPurge(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.purgesTotal.WithLabelValues(status).Inc()
}

func (m *trashMetrics) RecordScan(found, purged int) {
	m.scansTotal.Inc()
	m.scanFound.Add(float64(found))
	m.scanPurged.Add(float64(purged))
}

// noopTrashMetrics is a zero-overhead TrashMetrics implementation.
type noopTrashMetrics struct{}

func (noopTrashMetrics) RecordSoftDelete(isFolder bool) {}
func (noopTrashMetrics) RecordRestore()                 {}
func (noopTrashMetrics) RecordPurge(err error)           {}
func (noopTrashMetrics) RecordScan(found, purged int)    {}
