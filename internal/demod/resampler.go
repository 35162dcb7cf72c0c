package demod

// Resampler converts between arbitrary sample rates by linear
// interpolation. resampler_libsamplerate.go defines a libsamplerate-backed
// cResampler under the "libsamplerate" build tag, but the demodulator chain
// uses this Resampler in every build.
type Resampler struct {
	inRate, outRate float64
	pos             float64 // fractional read position into the pending buffer
	pending         []float32
	channels        int
}

// NewResampler creates a linear resampler from inRate to outRate Hz for
// interleaved audio with the given channel count.
func NewResampler(inRate, outRate float64, channels int) *Resampler {
	if channels < 1 {
		channels = 1
	}
	return &Resampler{inRate: inRate, outRate: outRate, channels: channels}
}

// Process resamples interleaved input, returning interleaved output. Any
// input frames that don't produce a full output frame are retained
// internally and prefixed to the next call's input.
func (r *Resampler) Process(in []float32) []float32 {
	ch := r.channels
	buf := append(r.pending, in...)
	frames := len(buf) / ch
	if frames < 2 {
		r.pending = buf
		return nil
	}

	ratio := r.inRate / r.outRate
	var out []float32
	pos := r.pos
	for {
		i0 := int(pos)
		if i0+1 >= frames {
			break
		}
		frac := float32(pos - float64(i0))
		for c := 0; c < ch; c++ {
			a := buf[i0*ch+c]
			b := buf[(i0+1)*ch+c]
			out = append(out, a+(b-a)*frac)
		}
		pos += ratio
	}

	consumedFrames := int(pos)
	if consumedFrames > frames-1 {
		consumedFrames = frames - 1
	}
	r.pos = pos - float64(consumedFrames)
	r.pending = append([]float32(nil), buf[consumedFrames*ch:]...)
	return out
}
