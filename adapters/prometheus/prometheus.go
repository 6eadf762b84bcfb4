// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the cluster layer and the hub actors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dorisoy/signalr-backplane/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics bundles the Prometheus implementations for the whole server.
type AllMetrics struct {
	Cluster *clusterMetrics
	Hub     *hubMetrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Cluster: NewClusterMetrics(reg).(*clusterMetrics),
		Hub:     NewHubMetrics(reg).(*hubMetrics),
	}
}
