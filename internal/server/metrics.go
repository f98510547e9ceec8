package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	activeRooms       prometheus.Gauge
	roomsCreated      prometheus.Counter
	envelopes         *prometheus.CounterVec
	dispatchLatency   *prometheus.HistogramVec
	protocolErrors    *prometheus.CounterVec
	relayDrops        *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unspoken_connections_active",
			Help: "Current number of open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unspoken_connections_total",
			Help: "Total number of client connections accepted since start.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unspoken_rooms_active",
			Help: "Current number of live rooms.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unspoken_rooms_created_total",
			Help: "Total number of rooms created since start.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unspoken_envelopes_total",
			Help: "Envelopes processed, by action and direction.",
		}, []string{"direction", "action"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unspoken_dispatch_latency_seconds",
			Help:    "Latency for dispatching inbound envelopes.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"action"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unspoken_protocol_errors_total",
			Help: "Dropped or rejected envelopes, by reason.",
		}, []string{"reason"}),
		relayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unspoken_relay_drops_total",
			Help: "Outbound envelopes that could not be delivered, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.activeRooms,
		m.roomsCreated,
		m.envelopes,
		m.dispatchLatency,
		m.protocolErrors,
		m.relayDrops,
	)
	return m
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) incRoom() {
	if m == nil {
		return
	}
	m.activeRooms.Inc()
	m.roomsCreated.Inc()
}

func (m *relayMetrics) decRoom() {
	if m == nil {
		return
	}
	m.activeRooms.Dec()
}

func (m *relayMetrics) recordEnvelope(direction, action string) {
	if m == nil || action == "" {
		return
	}
	m.envelopes.WithLabelValues(direction, action).Inc()
}

func (m *relayMetrics) observeLatency(action string, dur time.Duration) {
	if m == nil || action == "" {
		return
	}
	m.dispatchLatency.WithLabelValues(action).Observe(dur.Seconds())
}

func (m *relayMetrics) recordError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordDrop(action string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.relayDrops.WithLabelValues(action).Inc()
}
