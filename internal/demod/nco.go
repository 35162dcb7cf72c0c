// Package demod implements the per-VFO Demodulator: NCO mixing, low-pass
// filtering/decimation, FM/WFM/AM/USB/LSB/CW demodulation, resampling to
// 44.1 kHz, squelch, and de-emphasis.
//
// Grounded on hztools-go-fm's demodulator.go for the discriminator math,
// and on the surrounding per-session goroutine/channel idiom used
// throughout this codebase.
package demod

import "math"

// Mixer is a complex numerically-controlled oscillator used to shift a
// signal by a fixed frequency offset.
type Mixer struct {
	phase     float64
	increment float64
}

// NewMixer creates a Mixer that shifts offsetHz to 0 Hz for a signal sampled
// at sampleRateHz. A positive offsetHz means the signal of interest sits
// above the IQ center frequency.
func NewMixer(offsetHz float64, sampleRateHz float64) *Mixer {
	return &Mixer{increment: -2 * math.Pi * offsetHz / sampleRateHz}
}

// SetOffset retunes the mixer in place (used on VFO retune without
// recreating the whole demodulator chain).
func (m *Mixer) SetOffset(offsetHz, sampleRateHz float64) {
	m.increment = -2 * math.Pi * offsetHz / sampleRateHz
}

// Mix shifts in-place, multiplying each sample by e^(j*phase) and advancing
// the phase accumulator, wrapped to [-pi, pi] to avoid float drift over long
// runs.
func (m *Mixer) Mix(samples []complex64) {
	for i, s := range samples {
		rot := complex(math.Cos(m.phase), math.Sin(m.phase))
		samples[i] = complex64(complex128(s) * rot)
		m.phase += m.increment
		if m.phase > math.Pi {
			m.phase -= 2 * math.Pi
		} else if m.phase < -math.Pi {
			m.phase += 2 * math.Pi
		}
	}
}
