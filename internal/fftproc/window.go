package fftproc

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowKind enumerates the supported window functions. Unknown values
// tie-break to Hanning.
type WindowKind string

const (
	WindowHanning  WindowKind = "hanning"
	WindowHamming  WindowKind = "hamming"
	WindowBlackman WindowKind = "blackman"
	WindowKaiser   WindowKind = "kaiser"
	WindowBartlett WindowKind = "bartlett"
)

// kaiserBeta is the fixed shape parameter for the Kaiser window.
const kaiserBeta = 8.6

// makeWindow returns an N-sample window of the given kind. gonum's
// dsp/window package supplies Hann/Hamming/Blackman/Bartlett in place;
// Kaiser is not in gonum's window set, so it is computed directly from the
// modified Bessel function of the first kind, order 0.
func makeWindow(kind WindowKind, n int) []float64 {
	seq := make([]float64, n)
	for i := range seq {
		seq[i] = 1
	}

	switch kind {
	case WindowHamming:
		return window.Hamming(seq)
	case WindowBlackman:
		return window.Blackman(seq)
	case WindowBartlett:
		return window.Triangular(seq)
	case WindowKaiser:
		return kaiserWindow(n, kaiserBeta)
	case WindowHanning:
		return window.Hann(seq)
	default:
		// Tie-break for an unknown window kind.
		return window.Hann(seq)
	}
}

// kaiserWindow computes a length-n Kaiser window with shape parameter beta.
func kaiserWindow(n int, beta float64) []float64 {
	if n == 1 {
		return []float64{1}
	}
	w := make([]float64, n)
	denom := besselI0(beta)
	m := float64(n - 1)
	for i := 0; i < n; i++ {
		r := 2*float64(i)/m - 1
		arg := beta * math.Sqrt(1-r*r)
		w[i] = besselI0(arg) / denom
	}
	return w
}

// besselI0 approximates the modified Bessel function of the first kind,
// order 0, via its power series. Sufficient precision for window shaping.
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	halfXSq := (x / 2) * (x / 2)
	for k := 1; k < 40; k++ {
		term *= halfXSq / (float64(k) * float64(k))
		sum += term
		if term < sum*1e-15 {
			break
		}
	}
	return sum
}

// sumSquares returns Σw² for a window, used in the per-bin power
// normalization applied when segments do not overlap.
func sumSquares(w []float64) float64 {
	var s float64
	for _, v := range w {
		s += v * v
	}
	return s
}
