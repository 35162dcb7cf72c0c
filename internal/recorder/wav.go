// Package recorder implements the IQ Recorder and Audio Recorder sinks: IQ
// recording format and audio recording format.
//
// The WAV writer is adapted directly from a reference WAVWriter
// (placeholder header, streamed int16 writes, header rewritten on Close
// with final sizes), generalized from a fixed mono 16-bit decoder-audio use
// case to a {mono, sample_rate=44100} Audio Recorder plus a JSON sidecar.
package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// wavWriter streams 16-bit PCM samples to a RIFF/WAV file, rewriting the
// header with final sizes on Close (a two-pass write: placeholder sizes
// first, real sizes once the total is known).
type wavWriter struct {
	file          *os.File
	sampleRate    int
	channels      int
	bitsPerSample int
	dataSize      int64
}

func newWAVWriter(path string, sampleRate, channels int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create wav: %w", err)
	}
	w := &wavWriter{file: f, sampleRate: sampleRate, channels: channels, bitsPerSample: 16}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) header() wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(w.dataSize + 36),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(w.channels),
		SampleRate:    uint32(w.sampleRate),
		ByteRate:      uint32(w.sampleRate * w.channels * w.bitsPerSample / 8),
		BlockAlign:    uint16(w.channels * w.bitsPerSample / 8),
		BitsPerSample: uint16(w.bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(w.dataSize),
	}
}

func (w *wavWriter) writeHeader() error {
	h := w.header()
	h.ChunkSize = 0xFFFFFFFF
	h.Subchunk2Size = 0xFFFFFFFF
	return binary.Write(w.file, binary.LittleEndian, &h)
}

// WriteSamples converts float32 samples in [-1, 1] to int16 PCM and appends
// them, tracking total bytes written for the final header.
func (w *wavWriter) WriteSamples(samples []float32) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	n, err := w.file.Write(buf)
	w.dataSize += int64(n)
	if err != nil {
		return fmt.Errorf("recorder: write wav samples: %w", err)
	}
	return nil
}

// TotalSamples returns the number of mono-or-interleaved samples written so
// far (frames * channels).
func (w *wavWriter) TotalSamples() int64 {
	return w.dataSize / int64(w.bitsPerSample/8)
}

func (w *wavWriter) Close() error {
	if w.file == nil {
		return nil
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("recorder: seek wav header: %w", err)
	}
	h := w.header()
	if err := binary.Write(w.file, binary.LittleEndian, &h); err != nil {
		w.file.Close()
		return fmt.Errorf("recorder: rewrite wav header: %w", err)
	}
	return w.file.Close()
}
