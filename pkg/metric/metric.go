// Package metric provides the Prometheus metrics surface for the bridge
// relay and the transmission pipeline. A nil *Metrics is valid everywhere
// and turns every recording call into a no-op, so instrumentation never
// becomes a wiring requirement in tests.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
)

// Metrics holds every collector the process exports.
type Metrics struct {
	registry *prometheus.Registry

	AgentConnected   prometheus.Gauge
	ClientsConnected prometheus.Gauge
	FramesRouted     *prometheus.CounterVec
	PendingRequests  *prometheus.GaugeVec
	RequestOutcomes  *prometheus.CounterVec
	Transmissions    *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AgentConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscalbridge", Subsystem: "relay", Name: "agent_connected",
			Help: "Whether the hardware agent is currently registered (0 or 1).",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiscalbridge", Subsystem: "relay", Name: "clients_connected",
			Help: "Number of web client connections currently registered.",
		}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalbridge", Subsystem: "relay", Name: "frames_routed_total",
			Help: "Frames routed by the relay, by frame type and direction.",
		}, []string{"type", "direction"}),
		PendingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fiscalbridge", Subsystem: "broker", Name: "pending_requests",
			Help: "In-flight correlated requests to the agent, by kind.",
		}, []string{"kind"}),
		RequestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalbridge", Subsystem: "broker", Name: "request_outcomes_total",
			Help: "Resolved agent requests, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalbridge", Subsystem: "transmit", Name: "records_total",
			Help: "Transmission record state transitions, by report kind and status.",
		}, []string{"kind", "status"}),
	}
	m.registry.MustRegister(
		m.AgentConnected, m.ClientsConnected, m.FramesRouted,
		m.PendingRequests, m.RequestOutcomes, m.Transmissions,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetAgentConnected records agent liveness. Safe on a nil receiver.
func (m *Metrics) SetAgentConnected(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.AgentConnected.Set(v)
}

// SetClientCount records the current web client count. Safe on nil.
func (m *Metrics) SetClientCount(n int) {
	if m == nil {
		return
	}
	m.ClientsConnected.Set(float64(n))
}

// FrameRouted counts one routed frame. Safe on nil.
func (m *Metrics) FrameRouted(frameType, direction string) {
	if m == nil {
		return
	}
	m.FramesRouted.WithLabelValues(frameType, direction).Inc()
}

// SetPending records the in-flight request count for one kind. Safe on nil.
func (m *Metrics) SetPending(kind string, n int) {
	if m == nil {
		return
	}
	m.PendingRequests.WithLabelValues(kind).Set(float64(n))
}

// RequestResolved counts one resolved request. Safe on nil.
func (m *Metrics) RequestResolved(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition counts one transmission record transition. Safe on nil.
func (m *Metrics) RecordTransition(kind, status string) {
	if m == nil {
		return
	}
	m.Transmissions.WithLabelValues(kind, status).Inc()
}
