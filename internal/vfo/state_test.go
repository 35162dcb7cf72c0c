package vfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtMostOneSelected(t *testing.T) {
	m := NewManager()
	sel := true
	m.Set("s1", 1, Fields{Selected: &sel})
	m.Set("s1", 2, Fields{Selected: &sel})

	v1, ok1 := m.Get("s1", 1)
	v2, ok2 := m.Get("s1", 2)
	require.True(t, ok1)
	require.True(t, ok2)

	assert.False(t, v1.Selected)
	assert.True(t, v2.Selected)
}

func TestSelectingImpliesActive(t *testing.T) {
	m := NewManager()
	sel := true
	v := m.Set("s1", 1, Fields{Selected: &sel})
	assert.True(t, v.Active)
	assert.True(t, v.Selected)
}

func TestShouldEmit(t *testing.T) {
	cases := []struct {
		name            string
		active, sel     bool
		wantEmit, wantS bool
	}{
		{"active only", true, false, true, false},
		{"selected only", false, true, true, true},
		{"neither", false, false, false, false},
		{"both", true, true, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			emit, silence := ShouldEmit(State{Active: c.active, Selected: c.sel})
			assert.Equal(t, c.wantEmit, emit)
			assert.Equal(t, c.wantS, silence)
		})
	}
}

func TestApplyTrackingUpdateUSBOffset(t *testing.T) {
	m := NewManager()
	bw := uint32(3000)
	m.Set("internal:obs-1", 1, Fields{BandwidthHz: &bw})

	// observed_freq=145_900_250, USB, bw=3000 -> center = 145_901_750
	// (+1500 Hz), active only if entering tracking.
	v := m.ApplyTrackingUpdate("internal:obs-1", 1, 145_900_250, ModUSB, true)
	assert.Equal(t, int64(145_901_750), v.CenterFreqHz)
	assert.Equal(t, ModUSB, v.Modulation)
	assert.True(t, v.Active)
}

func TestApplyTrackingUpdateDoesNotActivateWhenNotTracking(t *testing.T) {
	m := NewManager()
	v := m.ApplyTrackingUpdate("internal:obs-1", 1, 100_000_000, ModFM, false)
	assert.False(t, v.Active)
}

func TestRemoveSessionClearsAllVFOs(t *testing.T) {
	m := NewManager()
	m.Set("s1", 1, Fields{})
	m.Set("s1", 2, Fields{})
	m.RemoveSession("s1")

	_, ok := m.Get("s1", 1)
	assert.False(t, ok)
	_, ok = m.Get("s1", 2)
	assert.False(t, ok)
}
