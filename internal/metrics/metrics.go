// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	StateTransitions *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Cooldowns        *prometheus.CounterVec
	SessionsActive   prometheus.Gauge

	// Delivery metrics
	SendAttempts     *prometheus.CounterVec
	Delivered        *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	QueueDepth       prometheus.Gauge

	// Broadcast metrics
	BroadcastJobs       *prometheus.CounterVec
	BroadcastRecipients *prometheus.CounterVec
}

// New creates and registers the metrics on a fresh registry.
// The returned registry is what the HTTP layer serves on /metrics.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_session_transitions_total",
				Help: "Session state machine transitions",
			},
			[]string{"from", "to"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_session_reconnects_total",
				Help: "Automatic reconnect attempts",
			},
			[]string{"tenant"},
		),
		Cooldowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_session_cooldowns_total",
				Help: "Provider rate-limit cooldowns entered",
			},
			[]string{"tenant"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapgw_sessions_connected",
				Help: "Sessions currently in CONNECTED state",
			},
		),
		SendAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_delivery_attempts_total",
				Help: "Individual delivery attempts made through the transport",
			},
			[]string{"tenant"},
		),
		Delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_delivery_delivered_total",
				Help: "Messages that reached DELIVERED status",
			},
			[]string{"tenant"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_delivery_failed_total",
				Help: "Messages that reached FAILED status",
			},
			[]string{"tenant", "reason"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapgw_delivery_queue_depth",
				Help: "PENDING messages in the retry queue",
			},
		),
		BroadcastJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_broadcast_jobs_total",
				Help: "Broadcast jobs by terminal status",
			},
			[]string{"status"},
		),
		BroadcastRecipients: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapgw_broadcast_recipients_total",
				Help: "Broadcast recipients by initial enqueue outcome",
			},
			[]string{"outcome"},
		),
	}
	return m, reg
}

// Nop returns metrics backed by an unexported registry, for tests and for
// components constructed without the full app wiring.
func Nop() *Metrics {
	m, _ := New()
	return m
}
