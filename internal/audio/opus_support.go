//go:build opus
// +build opus

package audio

import (
	"log"

	opus "gopkg.in/hraban/opus.v2"
)

// OpusEncoder compresses outgoing web audio with Opus when the binary was
// built with -tags opus and the feature is enabled in config.
type OpusEncoder struct {
	encoder *opus.Encoder
	enabled bool
	buf     []int16
	out     []byte
}

// NewOpusEncoder creates an Opus encoder for the given stream parameters.
// On initialization failure it falls back to a disabled (PCM passthrough)
// encoder rather than failing the pipeline.
func NewOpusEncoder(enabled bool, sampleRate, channels, bitrate, complexity int) *OpusEncoder {
	w := &OpusEncoder{}
	if !enabled {
		return w
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		log.Printf("audio: opus encoding requested but failed to initialize: %v", err)
		log.Printf("audio: falling back to PCM")
		return w
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			log.Printf("audio: failed to set opus bitrate: %v", err)
		}
	}
	if complexity > 0 {
		if err := enc.SetComplexity(complexity); err != nil {
			log.Printf("audio: failed to set opus complexity: %v", err)
		}
	}

	w.encoder = enc
	w.enabled = true
	w.out = make([]byte, 4096)
	log.Printf("audio: opus encoder initialized (%d Hz, %d ch, %d bps)", sampleRate, channels, bitrate)
	return w
}

// IsEnabled reports whether frames will actually be Opus-compressed.
func (w *OpusEncoder) IsEnabled() bool { return w.enabled }

// Encode compresses one chunk of float32 samples. When disabled it returns
// (nil, false) and the caller ships PCM instead.
func (w *OpusEncoder) Encode(samples []float32) ([]byte, bool) {
	if !w.enabled {
		return nil, false
	}

	if cap(w.buf) < len(samples) {
		w.buf = make([]int16, len(samples))
	}
	w.buf = w.buf[:len(samples)]
	for i, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		w.buf[i] = int16(v)
	}

	n, err := w.encoder.Encode(w.buf, w.out)
	if err != nil {
		log.Printf("audio: opus encode failed, shipping PCM: %v", err)
		return nil, false
	}
	encoded := make([]byte, n)
	copy(encoded, w.out[:n])
	return encoded, true
}
