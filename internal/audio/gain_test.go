package audio

import (
	"testing"

	"github.com/cwsl/groundstation/internal/vfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyVFODropsWhenNeitherActiveNorSelected(t *testing.T) {
	msg := Message{Samples: []float32{1, 2, 3}}
	_, ok := ApplyVFO(msg, vfo.State{}, "s1")
	assert.False(t, ok)
}

func TestApplyVFOSilencesSelectedInactive(t *testing.T) {
	msg := Message{Samples: []float32{1, 1, 1}}
	out, ok := ApplyVFO(msg, vfo.State{Selected: true}, "s1")
	require.True(t, ok)
	for _, v := range out.Samples {
		assert.Equal(t, float32(0), v)
	}
	assert.Len(t, out.Samples, 3)
}

func TestApplyVFOScalesVolume(t *testing.T) {
	msg := Message{Samples: []float32{1, 1, 1}}
	out, ok := ApplyVFO(msg, vfo.State{Active: true, Volume: 80}, "s1")
	require.True(t, ok)
	want := float32(80) / 100.0 * 1.5
	for _, v := range out.Samples {
		assert.InDelta(t, want, v, 1e-6)
	}
	assert.Equal(t, "s1", out.SessionID)
}
