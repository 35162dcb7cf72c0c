package demod

import "math"

// Deemphasis is a single-pole low-pass filter applied after FM/WFM
// discrimination. Europe/most-of-world uses 50 us; the Americas and Korea
// use 75 us — left as a constructor parameter rather than a hardcoded
// constant so region config can override the default.
type Deemphasis struct {
	alpha float64
	prev  float32
}

// NewDeemphasis builds a de-emphasis filter for the given time constant
// (seconds) at sampleRateHz.
func NewDeemphasis(tauSeconds, sampleRateHz float64) *Deemphasis {
	dt := 1.0 / sampleRateHz
	alpha := dt / (tauSeconds + dt)
	return &Deemphasis{alpha: alpha}
}

// Process filters in place.
func (d *Deemphasis) Process(samples []float32) {
	for i, s := range samples {
		d.prev += float32(d.alpha) * (s - d.prev)
		samples[i] = d.prev
	}
}

// DefaultDeemphasisTau is the Americas/Korea 75 us constant used unless a
// region config overrides it.
const DefaultDeemphasisTau = 75e-6

// highPassRemoveDC is a slow single-pole high-pass used by the AM envelope
// detector to remove the carrier's DC bias.
type highPassRemoveDC struct {
	alpha float64
	prevX float32
	prevY float32
}

func newHighPassRemoveDC(cutoffHz, sampleRateHz float64) *highPassRemoveDC {
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / sampleRateHz
	alpha := rc / (rc + dt)
	return &highPassRemoveDC{alpha: alpha}
}

func (h *highPassRemoveDC) Process(samples []float32) {
	for i, x := range samples {
		y := float32(h.alpha) * (h.prevY + x - h.prevX)
		h.prevX = x
		h.prevY = y
		samples[i] = y
	}
}
