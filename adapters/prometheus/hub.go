package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dorisoy/signalr-backplane/core/hub"
)

// hubMetrics implements hub.Metrics using Prometheus.
type hubMetrics struct {
	messagesSent      *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	invocationsTotal  *prometheus.CounterVec
}

// NewHubMetrics creates a new Prometheus implementation of hub.Metrics.
func NewHubMetrics(reg prometheus.Registerer) hub.Metrics {
	m := &hubMetrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_hub_messages_sent_total",
			Help: "Total number of send operations",
		}, []string{"scope"}),

		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_hub_messages_delivered_total",
			Help: "Total number of per-connection deliveries across all sends",
		}, []string{"scope"}),

		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_hub_invocations_total",
			Help: "Total number of tracked client invocations by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.messagesSent,
		m.messagesDelivered,
		m.invocationsTotal,
	)

	return m
}

func (m *hubMetrics) MessageSent(scope string, delivered int) {
	m.messagesSent.WithLabelValues(scope).Inc()
	m.messagesDelivered.WithLabelValues(scope).Add(float64(delivered))
}

func (m *hubMetrics) InvocationCompleted(outcome string) {
	m.invocationsTotal.WithLabelValues(outcome).Inc()
}

var _ hub.Metrics = (*hubMetrics)(nil)
