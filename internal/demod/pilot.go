package demod

import "math"

// pilotDetector looks for the 19 kHz WFM stereo pilot tone in a demodulated
// mono-rate FM signal using a Goertzel detector, the standard single-bin-
// power idiom for tone detection (cheaper than a full FFT for one
// frequency).
type pilotDetector struct {
	sampleRateHz float64
	threshold    float64
}

func newPilotDetector(sampleRateHz, threshold float64) *pilotDetector {
	return &pilotDetector{sampleRateHz: sampleRateHz, threshold: threshold}
}

const pilotToneHz = 19000

// Detect reports whether the 19 kHz pilot tone is present above threshold in
// samples (the composite/multiplex signal prior to mono channel extraction).
func (p *pilotDetector) Detect(samples []float32) bool {
	if len(samples) == 0 {
		return false
	}
	n := len(samples)
	k := int(0.5 + float64(n)*pilotToneHz/p.sampleRateHz)
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = coeff*s1 - s2 + float64(x)
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	mean := power / float64(n) / float64(n)
	return mean > p.threshold
}

// DefaultPilotThreshold is the stereo-pilot detection threshold, chosen
// conservatively so a weak/noisy pilot doesn't flip-flop stereo/mono.
const DefaultPilotThreshold = 1e-4
