package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnMetrics tracks the chunk-server connection state machine. A nil
// *ConnMetrics is safe to call methods on and records nothing.
type ConnMetrics struct {
	reconnects       prometheus.Counter
	handshakeLatency prometheus.Histogram
	dispatchedOps    prometheus.Gauge
	opsByStatus      *prometheus.CounterVec
}

// NewConnMetrics registers connection metrics against the global registry.
// Returns nil if metrics are disabled.
func NewConnMetrics() *ConnMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	m := &ConnMetrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connsm_reconnects_total",
			Help: "Number of reconnect attempts to the metadata server.",
		}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "connsm_handshake_duration_seconds",
			Help:    "Time from connect to handshakeDone.",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchedOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connsm_dispatched_ops",
			Help: "Ops currently awaiting a reply.",
		}),
		opsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connsm_ops_completed_total",
			Help: "Ops completed by terminal status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.reconnects, m.handshakeLatency, m.dispatchedOps, m.opsByStatus)

	return m
}

func (m *ConnMetrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *ConnMetrics) ObserveHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.handshakeLatency.Observe(seconds)
}

func (m *ConnMetrics) SetDispatchedOps(n int) {
	if m == nil {
		return
	}
	m.dispatchedOps.Set(float64(n))
}

func (m *ConnMetrics) IncOpStatus(status string) {
	if m == nil {
		return
	}
	m.opsByStatus.WithLabelValues(status).Inc()
}
