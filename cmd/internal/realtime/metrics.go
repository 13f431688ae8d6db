package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Push results used as the "result" label.
const (
	pushResultDelivered = "delivered"
	pushResultOffline   = "offline"
	pushResultDropped   = "dropped"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
//
// Labels are bounded: event and type come from the v1 contract constants,
// result from a fixed set.
type Metrics struct {
	connected     prometheus.Gauge
	subscriptions prometheus.Gauge
	pushes        *prometheus.CounterVec
	inbound       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "connected_users",
			Help:      "Users with a live connection in the presence registry.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "post_subscriptions",
			Help:      "Live (post, user, connection) subscriptions.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "pushes_total",
			Help:      "Outbound pushes by event and result.",
		}, []string{"event", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "gateway_requests_total",
			Help:      "Inbound gateway requests by type and wire result code.",
		}, []string{"type", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.connected, m.subscriptions, m.pushes, m.inbound)
	}
	return m
}

func (m *Metrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) observePush(event, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(event, result).Inc()
}

func (m *Metrics) observeRequest(typ, result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ, result).Inc()
}
