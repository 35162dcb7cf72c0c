//go:build !opus
// +build !opus

package audio

import "log"

// OpusEncoder is the stub used when the binary was built without the opus
// tag; Encode always declines and the caller ships PCM.
type OpusEncoder struct{}

// NewOpusEncoder warns if Opus was requested but not compiled in.
func NewOpusEncoder(enabled bool, sampleRate, channels, bitrate, complexity int) *OpusEncoder {
	if enabled {
		log.Printf("audio: opus encoding requested but not compiled in")
		log.Printf("audio: install libopus-dev and rebuild with: go build -tags opus")
		log.Printf("audio: falling back to PCM")
	}
	return &OpusEncoder{}
}

// IsEnabled always returns false in the stub.
func (w *OpusEncoder) IsEnabled() bool { return false }

// Encode always declines in the stub.
func (w *OpusEncoder) Encode(samples []float32) ([]byte, bool) { return nil, false }
