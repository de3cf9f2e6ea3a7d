// Package metrics provides Prometheus metrics for signald.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "signald"

// Statuses recorded on the outcome counters.
const (
	StatusAccepted = "accepted"
	StatusOverflow = "overflow"
	StatusRejected = "rejected"
	StatusSet      = "set"
)

// Alias kinds for the active-aliases gauge.
const (
	KindBound      = "bound"
	KindConnection = "connection"
)

// Metrics holds all Prometheus metrics for signald. All methods are
// safe on a nil receiver, which disables metrics.
type Metrics struct {
	Registry *prometheus.Registry

	clientsConnected     prometheus.Gauge
	aliasesActive        *prometheus.GaugeVec
	messagesTotal        *prometheus.CounterVec
	knocksTotal          *prometheus.CounterVec
	bindsTotal           *prometheus.CounterVec
	connectsTotal        *prometheus.CounterVec
	livenessTerminations prometheus.Counter
	sendErrorsTotal      prometheus.Counter
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of clients currently registered in the overlay.",
		}),

		aliasesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aliases_active",
			Help:      "Number of aliases currently published, by kind.",
		}, []string{"kind"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total signaling messages processed, by opcode and direction.",
		}, []string{"opcode", "direction"}),

		knocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knocks_total",
			Help:      "Total knock attempts, by outcome.",
		}, []string{"status"}),

		bindsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Total bind attempts, by outcome.",
		}, []string{"status"}),

		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total connect attempts, by outcome.",
		}, []string{"status"}),

		livenessTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_terminations_total",
			Help:      "Total transports terminated for a ping left unanswered until the next liveness tick.",
		}),

		sendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total outbound sends that failed. Sends are best-effort.",
		}),
	}

	reg.MustRegister(
		m.clientsConnected,
		m.aliasesActive,
		m.messagesTotal,
		m.knocksTotal,
		m.bindsTotal,
		m.connectsTotal,
		m.livenessTerminations,
		m.sendErrorsTotal,
	)

	return m
}

// ClientRegistered adjusts the connected-clients gauge by delta.
func (m *Metrics) ClientRegistered(delta int) {
	if m == nil {
		return
	}
	m.clientsConnected.Add(float64(delta))
}

// AliasPublished adjusts the active-aliases gauge for kind by delta.
func (m *Metrics) AliasPublished(kind string, delta int) {
	if m == nil {
		return
	}
	m.aliasesActive.WithLabelValues(kind).Add(float64(delta))
}

// MessageReceived counts one inbound frame.
func (m *Metrics) MessageReceived(opcode string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(opcode, "in").Inc()
}

// MessageSent counts one outbound frame.
func (m *Metrics) MessageSent(opcode string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(opcode, "out").Inc()
}

// Knock records a knock outcome.
func (m *Metrics) Knock(status string) {
	if m == nil {
		return
	}
	m.knocksTotal.WithLabelValues(status).Inc()
}

// Bind records a bind outcome.
func (m *Metrics) Bind(status string) {
	if m == nil {
		return
	}
	m.bindsTotal.WithLabelValues(status).Inc()
}

// Connect records a connect outcome.
func (m *Metrics) Connect(status string) {
	if m == nil {
		return
	}
	m.connectsTotal.WithLabelValues(status).Inc()
}

// LivenessTermination counts one forced disconnect by the keeper.
func (m *Metrics) LivenessTermination() {
	if m == nil {
		return
	}
	m.livenessTerminations.Inc()
}

// SendError counts one failed outbound send.
func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrorsTotal.Inc()
}
