// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "sessions_active",
		Help:      "Number of live relay sessions.",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sessions_total",
		Help:      "Total sessions created.",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "session_duration_seconds",
		Help:      "End-to-end session duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_relayed_total",
		Help:      "Frames forwarded between client and upstream.",
	}, []string{"direction"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_dropped_total",
		Help:      "Audio frames suppressed for cancelled responses.",
	})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "admission_rejections_total",
		Help:      "Connections rejected before a session was created.",
	}, []string{"reason"})

	UpstreamConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "upstream_connect_failures_total",
		Help:      "Failed upstream connection attempts.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
