package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	relayJoinLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "join_seconds",
		Help:      "Latency from upgrade to room join, including token and membership checks.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	relayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "connections",
		Help:      "Joined WebSocket connections per room.",
	}, []string{"room"})

	relayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "rejections_total",
		Help:      "Connection attempts rejected before joining a room.",
	}, []string{"reason"})

	relayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_total",
		Help:      "Inbound frames handled by type.",
	}, []string{"type"})

	relayFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped without closing the connection.",
	}, []string{"reason"})

	relayBroadcastRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "broadcast_recipients",
		Help:      "Local recipients per broadcast.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	relaySendQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames observed at enqueue time.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	relayBackpressureCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "backpressure_closes_total",
		Help:      "Connections closed because their send queue was full.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(
			relayJoinLatency,
			relayConnections,
			relayRejections,
			relayFrames,
			relayFramesDropped,
			relayBroadcastRecipients,
			relaySendQueueDepth,
			relayBackpressureCloses,
		)
	})
}

var tracer = otel.Tracer("github.com/example/canvas-relay/ws")
