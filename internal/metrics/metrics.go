// Package metrics exposes relay counters to Prometheus. All methods are safe
// on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acars_relay"

type Metrics struct {
	openConnections prometheus.Gauge
	authResults     *prometheus.CounterVec
	frames          *prometheus.CounterVec
	relayed         *prometheus.CounterVec
	polls           *prometheus.CounterVec
	compensations   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Websocket connections currently registered.",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by action and response status.",
		}, []string{"action", "status"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages persisted by kind and origin.",
		}, []string{"kind", "origin"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_polls_total",
			Help:      "External network polls by outcome.",
		}, []string{"outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_compensations_total",
			Help:      "Pending claim compensations by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.openConnections, m.authResults, m.frames, m.relayed, m.polls, m.compensations)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.openConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.openConnections.Dec()
	}
}

func (m *Metrics) AuthResult(result string) {
	if m != nil {
		m.authResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Frame(action, status string) {
	if m != nil {
		m.frames.WithLabelValues(action, status).Inc()
	}
}

// Relayed counts a persisted message; origin is "local" or "external".
func (m *Metrics) Relayed(kind, origin string) {
	if m != nil {
		m.relayed.WithLabelValues(kind, origin).Inc()
	}
}

func (m *Metrics) Poll(outcome string) {
	if m != nil {
		m.polls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Compensation(outcome string) {
	if m != nil {
		m.compensations.WithLabelValues(outcome).Inc()
	}
}
