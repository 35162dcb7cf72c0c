package demod

import "math"

// LowPassFIR is a windowed-sinc finite-impulse-response low-pass filter with
// an integer decimation factor: filters to the VFO bandwidth, then
// decimates down to an intermediate rate at or above twice that bandwidth.
type LowPassFIR struct {
	taps    []float64
	history []complex64 // ring buffer, len(taps)-1 samples carried across calls
	decim   int
}

// NewLowPassFIR designs a low-pass filter with the given cutoff (Hz) at
// sampleRateHz, sized to decimate by decim. numTaps controls the transition
// sharpness; 63 is a reasonable default for channel filtering.
func NewLowPassFIR(cutoffHz, sampleRateHz float64, decim, numTaps int) *LowPassFIR {
	if numTaps%2 == 0 {
		numTaps++ // keep an odd, symmetric filter with a clean center tap
	}
	taps := make([]float64, numTaps)
	fc := cutoffHz / sampleRateHz // normalized cutoff, cycles/sample
	m := float64(numTaps - 1)
	var sum float64
	for i := 0; i < numTaps; i++ {
		x := float64(i) - m/2
		var sinc float64
		if x == 0 {
			sinc = 2 * fc
		} else {
			sinc = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		// Blackman window, consistent with the window idiom already used by
		// the FFT processor's fftproc.makeWindow.
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/m) + 0.08*math.Cos(4*math.Pi*float64(i)/m)
		taps[i] = sinc * w
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum // unity DC gain
	}
	return &LowPassFIR{
		taps:    taps,
		history: make([]complex64, numTaps-1),
		decim:   decim,
	}
}

// Process filters and decimates in, returning the decimated output. The
// filter keeps history across calls so chunk boundaries don't introduce
// discontinuities.
func (f *LowPassFIR) Process(in []complex64) []complex64 {
	n := len(f.history)
	buf := make([]complex64, n+len(in))
	copy(buf, f.history)
	copy(buf[n:], in)

	outLen := len(in) / f.decim
	out := make([]complex64, 0, outLen)
	for i := 0; i+len(f.taps) <= len(buf); i += f.decim {
		var acc complex128
		for k, tap := range f.taps {
			acc += complex128(buf[i+k]) * complex(tap, 0)
		}
		out = append(out, complex64(acc))
	}

	if len(buf) >= n {
		copy(f.history, buf[len(buf)-n:])
	}
	return out
}
