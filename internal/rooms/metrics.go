package rooms

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	authzLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "authz_seconds",
		Help:      "Latency of room membership checks during admission.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"result"})

	authzCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "authz_cache_hits_total",
		Help:      "Membership checks answered from the grant cache.",
	})

	tracer = otel.Tracer("github.com/example/canvas-relay/rooms")
)

func init() {
	prometheus.MustRegister(authzLatency, authzCacheHits)
}
