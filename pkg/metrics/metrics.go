// Package metrics defines Warden's internal Prometheus instrumentation,
// mounted at /metrics by internal/httpapi (SPEC_FULL.md §4.14).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge Warden exports. Construct once per
// process with New and register it on the registry internal/httpapi hands
// to promhttp.
type Metrics struct {
	HostStatus        *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge
	AttemptsTotal     *prometheus.CounterVec
	SuppressedTotal   *prometheus.CounterVec
	EscalatedTotal    *prometheus.CounterVec
	LearningTierTotal *prometheus.CounterVec
	NotificationDrops prometheus.Counter
}

// New builds and registers Warden's metrics on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		HostStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "host",
			Name:      "status",
			Help:      "Host Monitor state per host: 1 if the host is currently in this state, 0 otherwise.",
		}, []string{"host", "state"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current depth of the degraded-mode alert queue.",
		}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "remediation",
			Name:      "attempts_total",
			Help:      "Total remediation attempts by alertname and outcome.",
		}, []string{"alertname", "outcome"}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "remediation",
			Name:      "suppressed_total",
			Help:      "Total alerts suppressed by reason.",
		}, []string{"reason"}),
		EscalatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "remediation",
			Name:      "escalated_total",
			Help:      "Total alerts escalated to a human operator, by reason.",
		}, []string{"reason"}),
		LearningTierTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "learning",
			Name:      "lookup_tier_total",
			Help:      "Learning Engine lookups by resolved tier (cache, hint, none).",
		}, []string{"tier"}),
		NotificationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notifications dropped after exhausting retries.",
		}),
	}

	reg.MustRegister(
		m.HostStatus,
		m.QueueDepth,
		m.AttemptsTotal,
		m.SuppressedTotal,
		m.EscalatedTotal,
		m.LearningTierTotal,
		m.NotificationDrops,
	)
	return m
}

// hostStates enumerates the Host Monitor's state machine (spec §4.6), used
// to zero out the gauges for every state a host isn't currently in.
var hostStates = []string{"unknown", "online", "flaky", "offline"}

// SetHostState records host as currently being in state and zeroes every
// other state's gauge for that host, so HostStatus always has exactly one
// state set to 1 per host.
func (m *Metrics) SetHostState(host, state string) {
	for _, s := range hostStates {
		if s == state {
			m.HostStatus.WithLabelValues(host, s).Set(1)
		} else {
			m.HostStatus.WithLabelValues(host, s).Set(0)
		}
	}
}
