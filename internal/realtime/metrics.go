package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the stream-layer Prometheus instruments, registered against
// whatever registry the caller passes (never the global default — see
// DESIGN.md).
type Metrics struct {
	ConnectionsOpen   prometheus.Gauge
	SlowConsumerDrops prometheus.Counter
	InboundFrames     *prometheus.CounterVec
}

// NewMetrics registers the stream metrics on reg. Passing nil yields
// instruments that are never registered anywhere, useful for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subcults",
			Subsystem: "stream",
			Name:      "connections_open",
			Help:      "Number of live stream connections on this node.",
		}),
		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "stream",
			Name:      "slow_consumer_drops_total",
			Help:      "Connections force-closed for a full outbound queue.",
		}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "stream",
			Name:      "inbound_frames_total",
			Help:      "Inbound stream frames by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionsOpen, m.SlowConsumerDrops, m.InboundFrames)
	}
	return m
}
