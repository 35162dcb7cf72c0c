// Package iq defines the IQ sample message exchanged between the SDR
// worker, the IQ broadcaster, and every IQ consumer (FFT, demodulators,
// recorders, decoders).
package iq

import "sync/atomic"

// Buffer is an immutable, reference-counted view over a complex-sample
// slice. Broadcasting an IQ message never deep-copies the samples: every
// subscriber gets a Buffer pointing at the same backing array, and the
// array is only eligible for reuse once every subscriber has released its
// reference.
type Buffer struct {
	samples []complex64
	refs    int32
}

// NewBuffer wraps samples in a fresh Buffer with one outstanding reference.
// Callers must not mutate samples after this call.
func NewBuffer(samples []complex64) *Buffer {
	return &Buffer{samples: samples, refs: 1}
}

// Samples returns the backing slice. Callers must treat it as read-only.
func (b *Buffer) Samples() []complex64 { return b.samples }

// Retain increments the reference count and returns b, for callers handing
// the same buffer to multiple consumers.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release decrements the reference count. Returns true if this was the last
// reference (the buffer's backing array is now free to recycle).
func (b *Buffer) Release() bool {
	return atomic.AddInt32(&b.refs, -1) == 0
}

// Message is one chunk of IQ samples as produced by an SDR Worker. Seq is
// monotonically increasing per device; gaps are permitted (and logged) but
// messages are never reordered.
type Message struct {
	Buf          *Buffer
	CenterFreqHz float64
	SampleRateHz float64
	TimestampNs  uint64
	Seq          uint64

	// ResetAverager, when true, carries no sample payload and tells
	// downstream averagers (FFT) to discard history — published once
	// immediately after a retune or sample-rate change.
	ResetAverager bool
}

// Clone implements broadcaster.Cloner: IQ messages are large, so cloning
// means sharing the same backing Buffer with an extra reference rather than
// copying samples.
func (m Message) Clone() Message {
	if m.Buf != nil {
		m.Buf.Retain()
	}
	return m
}

// Len returns the number of complex samples in the message (0 for a
// control-only reset marker).
func (m Message) Len() int {
	if m.Buf == nil {
		return 0
	}
	return len(m.Buf.Samples())
}
