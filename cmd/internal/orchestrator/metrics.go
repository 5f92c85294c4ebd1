package orchestrator

import (
	"holder/cmd/internal/recovery"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	state      prometheus.Gauge
	logins     *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	inbound    *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "holder",
			Subsystem: "orchestrator",
			Name:      "state",
			Help:      "Current orchestrator state (see orchestrator.State).",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holder",
			Name:      "login_attempts_total",
			Help:      "Relay login attempts by result.",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holder",
			Name:      "recovery_actions_total",
			Help:      "Recovery actions taken after relay-facing failures.",
		}, []string{"operation", "action"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holder",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by kind and handling result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.logins, m.recoveries, m.inbound)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) recovery(op recovery.Operation, a recovery.Action) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(op.String(), a.String()).Inc()
}

func (m *Metrics) inboundMessage(kind, result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind, result).Inc()
}
