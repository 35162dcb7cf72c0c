package demod

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/iq"
	"github.com/cwsl/groundstation/internal/vfo"
)

func fmTone(n int, sampleRate, audioFreq, deviation float64) []complex64 {
	out := make([]complex64, n)
	var phase float64
	for i := 0; i < n; i++ {
		mod := deviation * math.Sin(2*math.Pi*audioFreq*float64(i)/sampleRate)
		phase += 2 * math.Pi * mod / sampleRate
		out[i] = complex64(complex(math.Cos(phase), math.Sin(phase)))
	}
	return out
}

func TestFMDemodulatorRecoversAudioTone(t *testing.T) {
	sdrRate := 192000.0
	cfg := Config{
		SDRCenterFreqHz: 100_000_000,
		SDRSampleRateHz: sdrRate,
		VFOCenterFreqHz: 100_000_000,
		BandwidthHz:     15000,
		Modulation:      vfo.ModFM,
	}
	d := New(cfg, nil)

	samples := fmTone(19200, sdrRate, 1000, 3000)
	msg := iq.Message{Buf: iq.NewBuffer(samples)}

	var out []float32
	for i := 0; i < 5; i++ {
		chunk, channels := d.ProcessChunk(msg)
		require.Equal(t, uint8(1), channels)
		out = append(out, chunk...)
	}
	assert.NotEmpty(t, out)

	var peak float32
	for _, v := range out {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	assert.Greater(t, peak, float32(0.01))
}

func TestSquelchEmitsSilenceWhenBelowThreshold(t *testing.T) {
	cfg := Config{
		SDRCenterFreqHz: 7_040_000,
		SDRSampleRateHz: 48000,
		VFOCenterFreqHz: 7_040_000,
		BandwidthHz:     2800,
		Modulation:      vfo.ModUSB,
		SquelchEnabled:  true,
		SquelchDb:       0,
	}
	d := New(cfg, nil)

	tiny := make([]complex64, 4800)
	for i := range tiny {
		tiny[i] = complex64(complex(1e-6, 0))
	}
	msg := iq.Message{Buf: iq.NewBuffer(tiny)}

	out, channels := d.ProcessChunk(msg)
	require.Equal(t, uint8(1), channels)
	for _, v := range out {
		assert.Equal(t, float32(0), v)
	}
}

func TestAMEnvelopeDetectorTracksAmplitude(t *testing.T) {
	cfg := Config{
		SDRCenterFreqHz: 1_000_000,
		SDRSampleRateHz: 48000,
		VFOCenterFreqHz: 1_000_000,
		BandwidthHz:     5000,
		Modulation:      vfo.ModAM,
	}
	d := New(cfg, nil)

	n := 9600
	samples := make([]complex64, n)
	for i := range samples {
		amp := 1.0 + 0.5*math.Sin(2*math.Pi*400*float64(i)/48000)
		samples[i] = complex64(complex(amp, 0))
	}
	msg := iq.Message{Buf: iq.NewBuffer(samples)}

	var out []float32
	for i := 0; i < 3; i++ {
		chunk, _ := d.ProcessChunk(msg)
		out = append(out, chunk...)
	}
	assert.NotEmpty(t, out)
}

func TestSSBTakesRealPartAfterShift(t *testing.T) {
	cfg := Config{
		SDRCenterFreqHz: 14_200_000,
		SDRSampleRateHz: 48000,
		VFOCenterFreqHz: 14_200_000,
		BandwidthHz:     2400,
		Modulation:      vfo.ModUSB,
	}
	d := New(cfg, nil)

	samples := fmTone(4800, 48000, 0, 0) // constant-phase carrier
	msg := iq.Message{Buf: iq.NewBuffer(samples)}

	out, channels := d.ProcessChunk(msg)
	require.Equal(t, uint8(1), channels)
	assert.NotNil(t, out)
}

func TestRetuneChangesMixerOffsetWithoutPanicking(t *testing.T) {
	cfg := Config{
		SDRCenterFreqHz: 144_000_000,
		SDRSampleRateHz: 192000,
		VFOCenterFreqHz: 144_500_000,
		BandwidthHz:     15000,
		Modulation:      vfo.ModFM,
	}
	d := New(cfg, nil)
	assert.NotPanics(t, func() {
		d.Retune(144_600_000)
	})
}
