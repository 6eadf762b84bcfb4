package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClusterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClusterMetrics(reg)

	require.NotNil(t, m)

	timer := m.RequestDuration("hub.SendAll")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.RequestCompleted("hub.SendAll", true)
	m.RequestCompleted("hub.SendAll", false)
	m.NotifyCompleted("hub.AddConnection", true)

	m.TransportError("no_subscriber")
	m.TransportError("closed")

	m.ActivationsActive("node-1", 5)
	m.ActivationDeactivated("evicted")
	m.ShardsOwned("node-1", 10)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["bp_cluster_request_duration_seconds"])
	assert.True(t, names["bp_cluster_transport_errors_total"])
	assert.True(t, names["bp_cluster_activations_active"])
	assert.True(t, names["bp_cluster_shards_owned"])
}

func TestNewHubMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHubMetrics(reg)

	require.NotNil(t, m)

	m.MessageSent("all", 12)
	m.MessageSent("group", 3)
	m.InvocationCompleted("completed")
	m.InvocationCompleted("mismatched")
	m.InvocationCompleted("abandoned")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["bp_hub_messages_sent_total"])
	assert.True(t, names["bp_hub_messages_delivered_total"])
	assert.True(t, names["bp_hub_invocations_total"])
}

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)

	require.NotNil(t, m)
	require.NotNil(t, m.Cluster)
	require.NotNil(t, m.Hub)

	m.Cluster.RequestCompleted("test", true)
	m.Hub.MessageSent("connection", 1)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
