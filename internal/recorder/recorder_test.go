package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/audio"
	"github.com/cwsl/groundstation/internal/iq"
)

func TestIQRecorderRoundTripTotalSamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.sigmf-data")

	r, err := NewIQRecorder(path, 48000, 7_040_000)
	require.NoError(t, err)

	n := 1000
	samples := make([]complex64, n)
	require.NoError(t, r.Write(iq.Message{Buf: iq.NewBuffer(samples), CenterFreqHz: 7_040_000}))
	require.NoError(t, r.Close())

	assert.EqualValues(t, n, r.TotalSamples())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, n*8, info.Size()) // cf32_le = 8 bytes/sample

	sidecarBytes, err := os.ReadFile(filepath.Join(dir, "capture.sigmf-meta"))
	require.NoError(t, err)
	var sidecar sigMFSidecar
	require.NoError(t, json.Unmarshal(sidecarBytes, &sidecar))
	assert.Equal(t, "cf32_le", sidecar.Global.Datatype)
	assert.Equal(t, 48000.0, sidecar.Global.SampleRate)
	require.Len(t, sidecar.Captures, 1)
	assert.Equal(t, 7_040_000.0, sidecar.Captures[0].Frequency)

	durationFromMeta := float64(n) / sidecar.Global.SampleRate
	assert.InDelta(t, float64(n)/48000.0, durationFromMeta, 1e-9)
}

func TestIQRecorderNewCaptureOnRetune(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.sigmf-data")
	r, err := NewIQRecorder(path, 48000, 7_040_000)
	require.NoError(t, err)

	require.NoError(t, r.Write(iq.Message{Buf: iq.NewBuffer(make([]complex64, 100)), CenterFreqHz: 7_040_000}))
	require.NoError(t, r.Write(iq.Message{Buf: iq.NewBuffer(make([]complex64, 50)), CenterFreqHz: 14_200_000}))
	require.NoError(t, r.Close())

	require.Len(t, r.sidecar.Captures, 2)
	assert.EqualValues(t, 0, r.sidecar.Captures[0].SampleStart)
	assert.EqualValues(t, 100, r.sidecar.Captures[1].SampleStart)
	assert.Equal(t, 14_200_000.0, r.sidecar.Captures[1].Frequency)
}

func TestAudioRecorderSidecarFields(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "rec.wav")

	r, err := NewAudioRecorder(wavPath, 1, 1, "FM", 145_900_000, 145_900_250, "session-1")
	require.NoError(t, err)

	require.NoError(t, r.Write(audio.Message{Samples: []float32{0.1, -0.2, 0.3}}))
	require.NoError(t, r.Close(AudioStatusComplete))

	b, err := os.ReadFile(wavPath + ".json")
	require.NoError(t, err)
	var sidecar AudioSidecar
	require.NoError(t, json.Unmarshal(b, &sidecar))

	assert.Equal(t, AudioStatusComplete, sidecar.Status)
	assert.Equal(t, "wav", sidecar.Format)
	assert.Equal(t, 44100, sidecar.SampleRate)
	assert.Equal(t, 1, sidecar.Channels)
	assert.Equal(t, 16, sidecar.BitDepth)
	assert.EqualValues(t, 3, sidecar.TotalSamples)
	assert.Equal(t, "session-1", sidecar.SessionID)
	assert.NotNil(t, sidecar.EndTime)

	info, err := os.Stat(wavPath)
	require.NoError(t, err)
	assert.EqualValues(t, 44+3*2, info.Size()) // 44-byte header + 3 int16 samples
}
