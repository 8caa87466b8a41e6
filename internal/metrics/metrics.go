// Package metrics holds the prometheus collectors shared by the relay
// components. Every method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionTotal    prometheus.Counter
	subscriptions   prometheus.Gauge
	appends         *prometheus.CounterVec
	appendLatency   prometheus.Histogram
	deliveries      *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	presenceChanges *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	relayed         *prometheus.CounterVec
}

// New registers the collectors on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Current number of connected sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sessions_total",
			Help: "Total number of sessions opened since start.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Current number of live topic subscriptions.",
		}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_appends_total",
			Help: "Message appends grouped by outcome.",
		}, []string{"outcome"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_append_latency_seconds",
			Help:    "Latency of durable appends.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_fanout_deliveries_total",
			Help: "Events pushed to session queues grouped by event type.",
		}, []string{"type"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_sessions_closed_total",
			Help: "Session closures grouped by reason.",
		}, []string{"reason"}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_presence_transitions_total",
			Help: "Presence transitions grouped by new status.",
		}, []string{"status"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_request_errors_total",
			Help: "Failed client requests grouped by error code.",
		}, []string{"code"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_events_total",
			Help: "Cross-node relay traffic grouped by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.subscriptions,
		m.appends,
		m.appendLatency,
		m.deliveries,
		m.evictions,
		m.presenceChanges,
		m.requestErrors,
		m.relayed,
	)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.activeSessions.Dec()
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionsRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriptions.Sub(float64(n))
}

func (m *Metrics) ObserveAppend(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(outcome).Inc()
	m.appendLatency.Observe(dur.Seconds())
}

func (m *Metrics) Delivered(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(eventType).Add(float64(n))
}

func (m *Metrics) PresenceChanged(status string) {
	if m == nil {
		return
	}
	m.presenceChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) RequestFailed(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.requestErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}
