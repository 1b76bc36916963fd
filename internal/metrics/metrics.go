// Package metrics exposes Prometheus collectors for the channel bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BridgeMetrics counts inbound events, replies, media downloads, and token
// exchanges. All methods are safe on a nil receiver.
type BridgeMetrics struct {
	inboundTotal    *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	replyTotal      *prometheus.CounterVec
	mediaTotal      *prometheus.CounterVec
	tokenExchanges  *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
}

func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "inbound",
			Name:      "events_total",
			Help:      "Inbound events by message kind and outcome",
		}, []string{"channel", "kind", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "inbound",
			Name:      "dispatch_seconds",
			Help:      "Latency from inbound event to acknowledgment",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "outcome"}),
		replyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "reply",
			Name:      "sends_total",
			Help:      "Reply deliveries by encoding and status",
		}, []string{"channel", "encoding", "status"}),
		mediaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "media",
			Name:      "downloads_total",
			Help:      "Media retrievals by status",
		}, []string{"channel", "status"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "token",
			Name:      "exchanges_total",
			Help:      "Access token exchanges against the platform",
		}, []string{"status"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dingtalk_bridge",
			Subsystem: "inbound",
			Name:      "in_flight",
			Help:      "Dispatches currently running per account",
		}, []string{"channel", "account"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.dispatchLatency, m.replyTotal, m.mediaTotal, m.tokenExchanges, m.inFlight)
	return m
}

func (m *BridgeMetrics) ObserveInbound(channel, kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel, kind, outcome).Inc()
}

func (m *BridgeMetrics) ObserveDispatch(channel, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.WithLabelValues(channel, outcome).Observe(elapsed.Seconds())
}

func (m *BridgeMetrics) ObserveReply(channel, encoding, status string) {
	if m == nil {
		return
	}
	m.replyTotal.WithLabelValues(channel, encoding, status).Inc()
}

func (m *BridgeMetrics) ObserveMedia(channel, status string) {
	if m == nil {
		return
	}
	m.mediaTotal.WithLabelValues(channel, status).Inc()
}

func (m *BridgeMetrics) ObserveTokenExchange(status string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(status).Inc()
}

func (m *BridgeMetrics) AddInFlight(channel, account string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(channel, account).Add(delta)
}
