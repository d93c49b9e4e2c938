package monitoring

import (
	"codecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports session and relay metrics. It satisfies
// ports.SessionMetrics and the relay's RelayMetrics.
type PrometheusCollector struct {
	viewerCount         *prometheus.GaugeVec
	linkFailures        *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	viewerOutcomes      *prometheus.CounterVec

	relayConnections prometheus.Gauge
	relayFrames      *prometheus.CounterVec
	relayRejected    *prometheus.CounterVec
}

// NewPrometheusCollector registers its metrics on reg, or on the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		viewerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codecast_viewer_count",
			Help: "Viewers currently in the streamer's roster",
		}, []string{"room_id"}),

		linkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecast_link_failures_total",
			Help: "Peer links torn down because of a failure",
		}, []string{"room_id", "reason"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codecast_negotiation_duration_seconds",
			Help:    "Time from offer to connected peer link",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"role"}),

		viewerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecast_viewer_outcomes_total",
			Help: "Viewer sessions reaching connected, failed or ended",
		}, []string{"room_id", "state"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codecast_relay_connections",
			Help: "Open relay WebSocket connections",
		}),

		relayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecast_relay_frames_total",
			Help: "Frames received by the relay",
		}, []string{"type"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecast_relay_rejected_total",
			Help: "Relay requests and frames rejected, by error code",
		}, []string{"code"}),
	}
}

func (c *PrometheusCollector) ViewerCount(roomID domain.RoomID, count int) {
	c.viewerCount.WithLabelValues(string(roomID)).Set(float64(count))
}

func (c *PrometheusCollector) LinkFailed(roomID domain.RoomID, reason string) {
	c.linkFailures.WithLabelValues(string(roomID), reason).Inc()
}

func (c *PrometheusCollector) NegotiationCompleted(role domain.Role, seconds float64) {
	c.negotiationDuration.WithLabelValues(string(role)).Observe(seconds)
}

func (c *PrometheusCollector) ViewerOutcome(roomID domain.RoomID, state domain.ViewerState) {
	c.viewerOutcomes.WithLabelValues(string(roomID), string(state)).Inc()
}

func (c *PrometheusCollector) RelayConnectionOpened() {
	c.relayConnections.Inc()
}

func (c *PrometheusCollector) RelayConnectionClosed() {
	c.relayConnections.Dec()
}

func (c *PrometheusCollector) RelayFrame(frameType string) {
	c.relayFrames.WithLabelValues(frameType).Inc()
}

func (c *PrometheusCollector) RelayRejected(code string) {
	c.relayRejected.WithLabelValues(code).Inc()
}
