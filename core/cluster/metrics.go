package cluster

import "github.com/dorisoy/signalr-backplane/core/metrics"

// Metrics defines the instrumentation hooks of the cluster layer.
// All methods are thread-safe.
type Metrics interface {
	// Client operations
	RequestDuration(msgType string) metrics.Timer
	RequestCompleted(msgType string, success bool)
	NotifyCompleted(msgType string, success bool)

	// Transport errors: no_subscriber, closed
	TransportError(errorType string)

	// Activations
	ActivationsActive(nodeID string, count int)
	ActivationDeactivated(reason string)

	// Shards
	ShardsOwned(nodeID string, count int)
}

// nopMetrics is a no-op implementation of Metrics.
type nopMetrics struct{}

func (nopMetrics) RequestDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) RequestCompleted(string, bool)        {}
func (nopMetrics) NotifyCompleted(string, bool)         {}

func (nopMetrics) TransportError(string) {}

func (nopMetrics) ActivationsActive(string, int) {}
func (nopMetrics) ActivationDeactivated(string)  {}

func (nopMetrics) ShardsOwned(string, int) {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
