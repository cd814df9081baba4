package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a per-server registry so several servers can share a
// process (tests, embedded use).
type Metrics struct {
	Registry *prometheus.Registry

	Connections       *prometheus.GaugeVec   // live connections by role
	Rejected          *prometheus.CounterVec // refused handshakes by reason
	Closed            *prometheus.CounterVec // terminated connections by close reason
	Published         *prometheus.CounterVec // envelopes published by type
	Received          *prometheus.CounterVec // bus envelopes handled by type
	BusErrors         *prometheus.CounterVec // failed bus operations by op
	DroppedEnvelopes  prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devrelay_connections",
			Help: "Live connections by role",
		}, []string{"role"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devrelay_connections_rejected_total",
			Help: "Connection requests refused during the handshake",
		}, []string{"reason"}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devrelay_connections_closed_total",
			Help: "Connections terminated, by close reason",
		}, []string{"reason"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devrelay_envelopes_published_total",
			Help: "Envelopes published to the bus",
		}, []string{"type"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devrelay_envelopes_received_total",
			Help: "Bus envelopes handled by connections",
		}, []string{"type"}),
		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devrelay_bus_errors_total",
			Help: "Bus operations that failed and were dropped",
		}, []string{"op"}),
		DroppedEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Name: "devrelay_envelopes_dropped_total",
			Help: "Bus envelopes dropped because a connection's queue was full",
		}),
		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "devrelay_heartbeat_timeouts_total",
			Help: "Connections evicted because a pong was overdue",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
