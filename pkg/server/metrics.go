package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. Components hold a
// possibly-nil *Metrics and guard every use, so tests can run without
// registering collectors.
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter

	packetsReceived *prometheus.CounterVec
	messagesStored  prometheus.Counter

	presenceFanout prometheus.Histogram

	connectionsRejected prometheus.Counter
}

// NewMetrics creates and registers the metric set on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "straycat_active_sessions",
			Help: "Current number of live sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "straycat_sessions_created_total",
			Help: "Total number of sessions accepted",
		}),
		sessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "straycat_sessions_closed_total",
			Help: "Total number of sessions removed from the registry",
		}),
		packetsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "straycat_packets_received_total",
			Help: "Total packets dispatched, by packet type",
		}, []string{"type"}),
		messagesStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "straycat_messages_stored_total",
			Help: "Total chat messages appended to message boxes",
		}),
		presenceFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "straycat_presence_fanout",
			Help:    "Number of followers notified per presence change",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		connectionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "straycat_connections_rejected_total",
			Help: "Connections refused because the server was full",
		}),
	}
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordPacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(packetType).Inc()
}

func (m *Metrics) RecordMessageStored() {
	if m == nil {
		return
	}
	m.messagesStored.Inc()
}

func (m *Metrics) RecordFanout(n int) {
	if m == nil {
		return
	}
	m.presenceFanout.Observe(float64(n))
}

func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}
