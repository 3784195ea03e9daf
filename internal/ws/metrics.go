package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameConnectedPeers   = "carousel_ws_connected_peers"
	MetricNameMessagesReceived = "carousel_ws_messages_received_total"
	MetricNameBroadcasts       = "carousel_ws_broadcasts_total"

	MetricLabelMessageType = "message_type"
)

type Metrics struct {
	ConnectedPeers   prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	Broadcasts       prometheus.Counter
}

// NewMetrics creates the collectors but does not auto-register them.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricNameConnectedPeers,
				Help: "Number of currently connected event-stream peers",
			},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNameMessagesReceived,
				Help: "Number of client messages received, by type",
			},
			[]string{MetricLabelMessageType},
		),
		Broadcasts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricNameBroadcasts,
				Help: "Number of all-machines status broadcasts pushed",
			},
		),
	}
}

// Register all metrics with the provided registry.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.ConnectedPeers, m.MessagesReceived, m.Broadcasts)
}
