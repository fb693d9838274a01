package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ShareMetrics provides observability for ShareStore link creation and
// token resolution.
type ShareMetrics interface {
	// RecordCreate records one Create call.
	RecordCreate(passwordProtected bool)

	// RecordResolve records one ResolveByToken call with its outcome:
	// "ok", "not_found", or "expired".
	RecordResolve(outcome string)

	// RecordPasswordCheck records one VerifyPassword call.
	RecordPasswordCheck(match bool)
}

type shareMetrics struct {
	createsTotal        *prometheus.CounterVec
	resolvesTotal       *prometheus.CounterVec
	passwordChecksTotal *prometheus.CounterVec
}

// NewShareMetrics creates a Prometheus-backed ShareMetrics instance, or a
// no-op one if metrics collection is disabled.
func NewShareMetrics() ShareMetrics {
	if !IsEnabled() {
		return noopShareMetrics{}
	}

	reg := GetRegistry()

	return &shareMetrics{
		createsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_share_creates_total",
				Help: "Total number of shares created by password protection",
			},
			[]string{"password_protected"},
		),
		resolvesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_share_resolves_total",
				Help: "Total number of share token resolutions by outcome",
			},
			[]string{"outcome"},
		),
		passwordChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultfs_share_password_checks_total",
				Help: "Total number of share password checks by match result",
			},
			[]string{"match"},
		),
	}
}

func (m *shareMetrics) RecordCreate(passwordProtected bool) {
	label := "false"
	if passwordProtected {
		label = "true"
	}
	m.createsTotal.WithLabelValues(label).Inc()
}

func (m *shareMetrics) RecordResolve(outcome string) {
	m.resolvesTotal.WithLabelValues(outcome).Inc()
}

func (m *shareMetrics) RecordPasswordCheck(match bool) {
	label := "false"
	if match {
		label = "true"
	}
	m.passwordChecksTotal.WithLabelValues(label).Inc()
}

// noopShareMetrics is a zero-overhead ShareMetrics implementation.
type noopShareMetrics struct{}

func (noopShareMetrics) RecordCreate(passwordProtected bool) {}
func (noopShareMetrics) RecordResolve(outcome string)        {}
func (noopShareMetrics) RecordPasswordCheck(match bool)       {}
