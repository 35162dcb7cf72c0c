package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.ActiveSessions.Set(3)
	b.ActiveSessions.Set(7)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.ActiveSessions))
	assert.Equal(t, 7.0, testutil.ToFloat64(b.ActiveSessions))
}

func TestAddBroadcasterDelta(t *testing.T) {
	m := New()
	m.AddBroadcasterDelta(BroadcasterSample{Broadcaster: "iq:rtl0", Subscriber: "demod:s1:vfo1", Delivered: 100, Dropped: 4})
	m.AddBroadcasterDelta(BroadcasterSample{Broadcaster: "iq:rtl0", Subscriber: "demod:s1:vfo1", Delivered: 50})

	delivered := m.BroadcasterDelivered.WithLabelValues("iq:rtl0", "demod:s1:vfo1")
	dropped := m.BroadcasterDropped.WithLabelValues("iq:rtl0", "demod:s1:vfo1")
	assert.Equal(t, 150.0, testutil.ToFloat64(delivered))
	assert.Equal(t, 4.0, testutil.ToFloat64(dropped))
}

func TestUpdateResourceMetrics(t *testing.T) {
	m := New()
	m.UpdateResourceMetrics()
	assert.Greater(t, testutil.ToFloat64(m.goroutineCount), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memoryAllocBytes), 0.0)
}

func TestGathererExposesMetrics(t *testing.T) {
	m := New()
	m.ActiveSessions.Set(1)
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["groundstation_active_sessions"])
}
