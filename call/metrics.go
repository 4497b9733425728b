package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes call and security counters on a Prometheus registry.
// Create one per registry and share it across machines; passing nil to
// a Machine disables instrumentation.
type Metrics struct {
	callsStarted   *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	activeCalls    prometheus.Gauge
	securityEvents *prometheus.CounterVec
}

// NewMetrics registers the call metrics under the given namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Calls started, by local role.",
		}, []string{"role"}),
		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Calls ended, by reason.",
		}, []string{"reason"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Calls currently in progress.",
		}),
		securityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "security_events_total",
			Help:      "Security events recorded, by kind.",
		}, []string{"kind"}),
	}
}

// CallStarted counts a new call and marks it active.
func (m *Metrics) CallStarted(role Role) {
	m.callsStarted.WithLabelValues(role.String()).Inc()
	m.activeCalls.Inc()
}

// CallEnded counts a finished call and releases the active slot.
func (m *Metrics) CallEnded(reason string) {
	m.callsEnded.WithLabelValues(reason).Inc()
	m.activeCalls.Dec()
}

// ObserveEvent counts one security event. Wired as the event log
// observer by NewMachine.
func (m *Metrics) ObserveEvent(event SecurityEvent) {
	m.securityEvents.WithLabelValues(string(event.Kind)).Inc()
}
