package msgnet

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgport",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Envelopes moved over transport connections.",
		},
		[]string{"transport", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgport",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Encoded envelope bytes moved over transport connections.",
		},
		[]string{"transport", "direction"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgport",
			Subsystem: "transport",
			Name:      "dropped_frames_total",
			Help:      "Inbound envelopes dropped for undecodable content or pending limits.",
		},
		[]string{"transport", "reason"},
	)
	openScopes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "msgport",
			Subsystem: "transport",
			Name:      "open_scopes",
			Help:      "Channel scopes currently open.",
		},
		[]string{"transport"},
	)
	openConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "msgport",
			Subsystem: "transport",
			Name:      "open_connections",
			Help:      "Transport connections currently open.",
		},
		[]string{"transport"},
	)
)

// RegisterMetrics registers the transport collectors with the default prometheus
// registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, bytesTotal, droppedTotal, openScopes, openConns)
	})
}

func recordSent(transport string, n int) {
	framesTotal.WithLabelValues(transport, "sent").Inc()
	bytesTotal.WithLabelValues(transport, "sent").Add(float64(n))
}

func recordReceived(transport string, n int) {
	framesTotal.WithLabelValues(transport, "received").Inc()
	bytesTotal.WithLabelValues(transport, "received").Add(float64(n))
}

func recordDropped(transport, reason string) {
	droppedTotal.WithLabelValues(transport, reason).Inc()
}
