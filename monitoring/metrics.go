package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a node.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Discovery metrics
	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter
	HeartbeatErrors    prometheus.Counter
	PeersAppeared      prometheus.Counter
	PeersDisappeared   prometheus.Counter
	KnownPeers         prometheus.Gauge

	// Network metrics
	FramesReceived      prometheus.Counter
	FramesMalformed     prometheus.Counter
	MessagesSent        prometheus.Counter
	SendFailures        prometheus.Counter
	SendLatency         prometheus.Histogram
	PhysicalConnections prometheus.Gauge
	Subscribers         prometheus.Gauge

	// Node metrics
	VirtualConnections *prometheus.GaugeVec
	QueueDepth         *prometheus.GaugeVec
	QueueDropped       *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
}

// NewMetrics creates metrics under the given Prometheus namespace and registers
// them with reg. A nil reg leaves the metrics unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats published",
		}),
		HeartbeatsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "heartbeats_received_total",
			Help:      "Total number of heartbeats received from peers",
		}),
		HeartbeatErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "heartbeat_errors_total",
			Help:      "Total number of heartbeat publish or parse failures",
		}),
		PeersAppeared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peers_appeared_total",
			Help:      "Total number of peers seen for the first time",
		}),
		PeersDisappeared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peers_disappeared_total",
			Help:      "Total number of peers evicted by the liveness monitor",
		}),
		KnownPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "known_peers",
			Help:      "Current number of live peers",
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "frames_received_total",
			Help:      "Total number of well-formed frames received",
		}),
		FramesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "frames_malformed_total",
			Help:      "Total number of frames whose identity segment failed to parse",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "messages_sent_total",
			Help:      "Total number of frames sent to peers",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "send_failures_total",
			Help:      "Total number of failed sends",
		}),
		SendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "send_latency_seconds",
			Help:      "Frame send latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		PhysicalConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "physical_connections",
			Help:      "Current number of open transmitters",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "subscribers",
			Help:      "Current number of receive pipeline subscribers",
		}),

		VirtualConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "virtual_connections",
			Help:      "Connected peers by namespace",
		}, []string{"namespace"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "queue_depth",
			Help:      "Queued messages by namespace",
		}, []string{"namespace"}),
		QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "queue_dropped_total",
			Help:      "Messages discarded because the queue reached its high water mark",
		}, []string{"namespace"}),
		MessagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "messages_delivered_total",
			Help:      "Messages routed into a namespace queue",
		}, []string{"namespace"}),
	}
}

// RecordHeartbeatSent records a published heartbeat.
func (m *Metrics) RecordHeartbeatSent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HeartbeatErrors.Inc()
		return
	}
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatReceived records a heartbeat received from the network.
func (m *Metrics) RecordHeartbeatReceived(valid bool) {
	if m == nil {
		return
	}
	if !valid {
		m.HeartbeatErrors.Inc()
		return
	}
	m.HeartbeatsReceived.Inc()
}

// RecordPeerAppeared records a new peer.
func (m *Metrics) RecordPeerAppeared(known int) {
	if m == nil {
		return
	}
	m.PeersAppeared.Inc()
	m.KnownPeers.Set(float64(known))
}

// RecordPeersDisappeared records evicted peers.
func (m *Metrics) RecordPeersDisappeared(evicted, known int) {
	if m == nil {
		return
	}
	m.PeersDisappeared.Add(float64(evicted))
	m.KnownPeers.Set(float64(known))
}

// RecordFrame records a received frame.
func (m *Metrics) RecordFrame(malformed bool) {
	if m == nil {
		return
	}
	if malformed {
		m.FramesMalformed.Inc()
		return
	}
	m.FramesReceived.Inc()
}

// RecordSend records a send attempt.
func (m *Metrics) RecordSend(err error, duration time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendFailures.Inc()
		return
	}
	m.MessagesSent.Inc()
	m.SendLatency.Observe(duration.Seconds())
}

// UpdatePhysicalConnections sets the open transmitter gauge.
func (m *Metrics) UpdatePhysicalConnections(n int) {
	if m == nil {
		return
	}
	m.PhysicalConnections.Set(float64(n))
}

// UpdateSubscribers sets the subscriber gauge.
func (m *Metrics) UpdateSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// UpdateVirtualConnections sets the connected peer gauge of a namespace.
func (m *Metrics) UpdateVirtualConnections(namespace string, n int) {
	if m == nil {
		return
	}
	m.VirtualConnections.WithLabelValues(namespace).Set(float64(n))
}

// RecordDelivery records a message routed into a namespace queue.
func (m *Metrics) RecordDelivery(namespace string, depth int, dropped bool) {
	if m == nil {
		return
	}
	m.MessagesDelivered.WithLabelValues(namespace).Inc()
	m.QueueDepth.WithLabelValues(namespace).Set(float64(depth))
	if dropped {
		m.QueueDropped.WithLabelValues(namespace).Inc()
	}
}

// UpdateQueueDepth sets the queue depth gauge of a namespace.
func (m *Metrics) UpdateQueueDepth(namespace string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(namespace).Set(float64(depth))
}
