package signaling

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported in peek_signaling_dropped_total.
const (
	dropRateLimited   = "rate_limited"
	dropUnknownTarget = "unknown_target"
	dropMalformed     = "malformed"
	dropUnsupported   = "unsupported_type"
)

// metrics holds the relay's collectors on a private registry so several
// servers (e.g. in tests) do not collide.
type metrics struct {
	registry     *prometheus.Registry
	nodes        *prometheus.GaugeVec
	relayed      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	authFailures prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		nodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peek_signaling_nodes",
			Help: "Connected signaling nodes by role.",
		}, []string{"role"}),
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peek_signaling_relayed_total",
			Help: "Messages forwarded between nodes, by type.",
		}, []string{"type"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peek_signaling_dropped_total",
			Help: "Inbound messages dropped by the relay, by reason.",
		}, []string{"reason"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "peek_signaling_auth_failures_total",
			Help: "Connections rejected for a bad shared secret.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
