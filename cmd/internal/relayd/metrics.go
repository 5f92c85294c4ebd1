package relayd

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	sessions    prometheus.Gauge
	deliveries  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	throttled   *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayd",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayd",
			Name:      "sessions",
			Help:      "Unexpired relay sessions.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "deliveries_total",
			Help:      "Routed messages by kind and result.",
		}, []string{"kind", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "rejections_total",
			Help:      "Request errors by request type and status.",
		}, []string{"type", "status"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "throttled_total",
			Help:      "Requests refused by the rate limit, by budget scope.",
		}, []string{"scope"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.sessions, m.deliveries, m.rejections, m.throttled)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) delivery(kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) rejection(typ string, status int) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(typ, statusLabel(status)).Inc()
}

func (m *Metrics) throttledReq(scope string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(scope).Inc()
}

func statusLabel(status int) string {
	switch status {
	case 400:
		return "400"
	case 401:
		return "401"
	case 404:
		return "404"
	case 429:
		return "429"
	default:
		return "500"
	}
}
