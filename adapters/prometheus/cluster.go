package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/metrics"
)

// clusterMetrics implements cluster.Metrics using Prometheus.
type clusterMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	notifiesTotal   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec

	activationsActive      *prometheus.GaugeVec
	activationsDeactivated *prometheus.CounterVec
	shardsOwned            *prometheus.GaugeVec
}

// NewClusterMetrics creates a new Prometheus implementation of cluster.Metrics.
func NewClusterMetrics(reg prometheus.Registerer) cluster.Metrics {
	m := &clusterMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bp_cluster_request_duration_seconds",
			Help:    "Client request latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"message_type"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_cluster_requests_total",
			Help: "Total number of client requests",
		}, []string{"message_type", "success"}),

		notifiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_cluster_notifies_total",
			Help: "Total number of client notifications",
		}, []string{"message_type", "success"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_cluster_transport_errors_total",
			Help: "Total number of transport errors",
		}, []string{"error_type"}),

		activationsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bp_cluster_activations_active",
			Help: "Number of resident actor activations",
		}, []string{"node_id"}),

		activationsDeactivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bp_cluster_activations_deactivated_total",
			Help: "Total number of actor deactivations",
		}, []string{"reason"}),

		shardsOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bp_cluster_shards_owned",
			Help: "Number of shards owned by node",
		}, []string{"node_id"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.notifiesTotal,
		m.transportErrors,
		m.activationsActive,
		m.activationsDeactivated,
		m.shardsOwned,
	)

	return m
}

func (m *clusterMetrics) RequestDuration(msgType string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(msgType))
}

func (m *clusterMetrics) RequestCompleted(msgType string, success bool) {
	m.requestsTotal.WithLabelValues(msgType, boolToStr(success)).Inc()
}

func (m *clusterMetrics) NotifyCompleted(msgType string, success bool) {
	m.notifiesTotal.WithLabelValues(msgType, boolToStr(success)).Inc()
}

func (m *clusterMetrics) TransportError(errorType string) {
	m.transportErrors.WithLabelValues(errorType).Inc()
}

func (m *clusterMetrics) ActivationsActive(nodeID string, count int) {
	m.activationsActive.WithLabelValues(nodeID).Set(float64(count))
}

func (m *clusterMetrics) ActivationDeactivated(reason string) {
	m.activationsDeactivated.WithLabelValues(reason).Inc()
}

func (m *clusterMetrics) ShardsOwned(nodeID string, count int) {
	m.shardsOwned.WithLabelValues(nodeID).Set(float64(count))
}

var _ cluster.Metrics = (*clusterMetrics)(nil)
