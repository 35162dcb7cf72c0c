// Package audio defines the demodulated-audio message type and its
// broadcaster. Audio messages are copied per subscriber, since chunks are
// small and consumers may mutate volume/clip in place.
package audio

import "github.com/cwsl/groundstation/internal/vfo"

// Message is one chunk of demodulated audio, tagged with the VFO state
// snapshot and session that produced it. For stereo, Samples is interleaved
// L,R,L,R,...
type Message struct {
	Samples      []float32
	SampleRateHz uint32
	Channels     uint8
	VFOSnapshot  vfo.State
	SessionID    string
	TimestampNs  uint64
}

// Clone implements broadcaster.Cloner. Unlike IQ, audio chunks are small
// enough that a real copy per subscriber is worth it: each subscriber may
// apply its own volume scaling or clipping without touching another
// subscriber's view of the same chunk.
func (m Message) Clone() Message {
	cp := m
	cp.Samples = append([]float32(nil), m.Samples...)
	return cp
}

// Silence returns n samples of zeroed audio with the same framing as m,
// used by the VFO manager to substitute silence for a selected-but-inactive
// VFO.
func Silence(n int, sampleRateHz uint32, channels uint8, snapshot vfo.State, sessionID string, timestampNs uint64) Message {
	return Message{
		Samples:      make([]float32, n),
		SampleRateHz: sampleRateHz,
		Channels:     channels,
		VFOSnapshot:  snapshot,
		SessionID:    sessionID,
		TimestampNs:  timestampNs,
	}
}
