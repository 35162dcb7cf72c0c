package demod

import (
	"context"
	"log"
	"math"
	"math/cmplx"

	"github.com/cwsl/groundstation/internal/audio"
	"github.com/cwsl/groundstation/internal/iq"
	"github.com/cwsl/groundstation/internal/vfo"
)

// Config configures one Demodulator instance for one (session, VFO) pair.
type Config struct {
	SDRCenterFreqHz float64
	SDRSampleRateHz float64
	VFOCenterFreqHz int64
	BandwidthHz     uint32
	Modulation      vfo.Modulation

	// SquelchDb is the power threshold in dB, applied only when
	// SquelchEnabled is set. procman enables squelch for any non-zero
	// vfo.State.Squelch, which is 0 for a freshly created VFO.
	SquelchEnabled bool
	SquelchDb      int16

	DeemphasisTauSeconds float64
	PilotThreshold       float64

	AudioSampleRateHz float64 // target output rate, 44100 by default
}

const intermediateMinBandwidthFactor = 2 // decimate to an intermediate rate >= 2*bandwidth

// Demodulator owns one subscription's worth of IQ-to-audio chain state:
// mixer, channel filter/decimator, mode-specific discriminator state,
// de-emphasis, and the final resampler. One Demodulator exists per
// (sdr, session, vfo) tuple.
type Demodulator struct {
	cfg Config
	log *log.Logger

	mixer      *Mixer
	lpf        *LowPassFIR
	decim      int
	intermRate float64

	deemph   *Deemphasis
	dcRemove *highPassRemoveDC
	pilotDet *pilotDetector

	resamplerL *Resampler
	resamplerR *Resampler

	prevSample complex64
	havePrev   bool

	stereo bool
}

// New builds a Demodulator for cfg. A non-nil logger is used for the
// per-chunk failure log: demodulation exceptions on a chunk are logged and
// the demodulator continues with the next chunk.
func New(cfg Config, logger *log.Logger) *Demodulator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.AudioSampleRateHz == 0 {
		cfg.AudioSampleRateHz = 44100
	}
	if cfg.DeemphasisTauSeconds == 0 {
		cfg.DeemphasisTauSeconds = DefaultDeemphasisTau
	}
	if cfg.PilotThreshold == 0 {
		cfg.PilotThreshold = DefaultPilotThreshold
	}

	offset := float64(cfg.VFOCenterFreqHz) - cfg.SDRCenterFreqHz
	bw := float64(cfg.BandwidthHz)
	if bw <= 0 {
		bw = 3000
	}

	intermRate := bw * intermediateMinBandwidthFactor
	if intermRate < 8000 {
		intermRate = 8000 // keep discriminator/AM math stable for very narrow channels (e.g. CW)
	}
	decim := int(cfg.SDRSampleRateHz / intermRate)
	if decim < 1 {
		decim = 1
	}
	actualInterm := cfg.SDRSampleRateHz / float64(decim)

	d := &Demodulator{
		cfg:        cfg,
		log:        logger,
		mixer:      NewMixer(offset, cfg.SDRSampleRateHz),
		lpf:        NewLowPassFIR(bw/2, cfg.SDRSampleRateHz, decim, 63),
		decim:      decim,
		intermRate: actualInterm,
		deemph:     NewDeemphasis(cfg.DeemphasisTauSeconds, actualInterm),
		dcRemove:   newHighPassRemoveDC(20, actualInterm),
		pilotDet:   newPilotDetector(actualInterm, cfg.PilotThreshold),
		resamplerL: NewResampler(actualInterm, cfg.AudioSampleRateHz, 1),
		resamplerR: NewResampler(actualInterm, cfg.AudioSampleRateHz, 1),
	}
	return d
}

// Retune updates the mixer offset in place, for a VFO frequency change that
// doesn't require rebuilding the whole filter chain (bandwidth/mode changes
// do, since filter and decimation depend on them).
func (d *Demodulator) Retune(vfoCenterFreqHz int64) {
	d.cfg.VFOCenterFreqHz = vfoCenterFreqHz
	offset := float64(vfoCenterFreqHz) - d.cfg.SDRCenterFreqHz
	d.mixer.SetOffset(offset, d.cfg.SDRSampleRateHz)
}

// ProcessChunk runs one IQ chunk through the full chain and returns the
// resulting audio samples (possibly empty, if the filter/resampler is still
// accumulating history) plus the channel count. A panic during
// demodulation is recovered and logged; the caller should treat a
// recovered chunk as simply producing no audio.
func (d *Demodulator) ProcessChunk(msg iq.Message) (samples []float32, channels uint8) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("demod: recovered panic processing chunk: %v", r)
			samples, channels = nil, 1
		}
	}()

	if msg.Buf == nil {
		return nil, 1
	}
	raw := append([]complex64(nil), msg.Buf.Samples()...)

	if d.cfg.SquelchEnabled {
		if channelPowerDb(raw) < float64(d.cfg.SquelchDb) {
			// Preserve timing: emit silence sized to what this chunk would
			// have produced.
			n := int(float64(len(raw)) * d.cfg.AudioSampleRateHz / d.cfg.SDRSampleRateHz)
			if d.cfg.Modulation == vfo.ModWFM && d.stereo {
				return make([]float32, 2*n), 2
			}
			return make([]float32, n), 1
		}
	}

	d.mixer.Mix(raw)
	filtered := d.lpf.Process(raw)
	if len(filtered) == 0 {
		return nil, 1
	}

	switch d.cfg.Modulation {
	case vfo.ModFM, vfo.ModWFM:
		return d.demodFM(filtered)
	case vfo.ModAM:
		return d.demodAM(filtered), 1
	case vfo.ModUSB:
		return d.demodSSB(filtered, -1), 1
	case vfo.ModLSB:
		return d.demodSSB(filtered, 1), 1
	case vfo.ModCW:
		return d.demodSSB(filtered, -1), 1
	default:
		return d.demodAM(filtered), 1
	}
}

// demodFM implements the FM discriminator, angle(conj(z[n-1])*z[n])
// scaled by rate/(2*pi*maxDeviation), grounded directly on
// hztools-go-fm's demodulator.go Read():
//
//	audio[i] = phase(buf[i] * conj(buf[i-1]))
func (d *Demodulator) demodFM(samples []complex64) ([]float32, uint8) {
	disc := make([]float32, len(samples))
	maxDeviation := float64(d.cfg.BandwidthHz) / 2
	if maxDeviation <= 0 {
		maxDeviation = 2500
	}
	scale := d.intermRate / (2 * math.Pi * maxDeviation)

	prev := d.prevSample
	if !d.havePrev && len(samples) > 0 {
		prev = samples[0]
	}
	for i, s := range samples {
		phase := cmplx.Phase(complex128(s) * cmplx.Conj(complex128(prev)))
		disc[i] = float32(phase * scale)
		prev = s
	}
	d.prevSample = prev
	d.havePrev = true

	d.deemph.Process(disc)

	if d.cfg.Modulation != vfo.ModWFM {
		out := d.resamplerL.Process(disc)
		return out, 1
	}

	// WFM: mono always available; if the 19 kHz pilot is present, split the
	// composite signal into L+R (mono) and L-R (from the 38 kHz
	// subcarrier) to reconstruct stereo.
	d.stereo = d.pilotDet.Detect(disc)
	if !d.stereo {
		out := d.resamplerL.Process(disc)
		return out, 1
	}

	lMinusR := demodulateSubcarrier(disc, d.intermRate)
	left := make([]float32, len(disc))
	right := make([]float32, len(disc))
	for i := range disc {
		left[i] = (disc[i] + lMinusR[i]) / 2
		right[i] = (disc[i] - lMinusR[i]) / 2
	}
	outL := d.resamplerL.Process(left)
	outR := d.resamplerR.Process(right)
	n := len(outL)
	if len(outR) < n {
		n = len(outR)
	}
	interleaved := make([]float32, n*2)
	for i := 0; i < n; i++ {
		interleaved[2*i] = outL[i]
		interleaved[2*i+1] = outR[i]
	}
	return interleaved, 2
}

// demodulateSubcarrier coherently demodulates the 38 kHz L-R subcarrier by
// mixing it to baseband with a locally-generated 38 kHz reference (derived
// from the already-detected 19 kHz pilot by doubling its phase) and
// low-passing to the 15 kHz audio band. Kept simple: multiply by a free-
// running 38 kHz cosine, which is adequate since the pilot detector already
// gates this path on pilot presence.
func demodulateSubcarrier(composite []float32, sampleRateHz float64) []float32 {
	out := make([]float32, len(composite))
	omega := 2 * math.Pi * 38000 / sampleRateHz
	for i, x := range composite {
		ref := math.Cos(omega * float64(i))
		out[i] = float32(float64(x) * ref * 2)
	}
	return out
}

// demodAM implements the envelope detector plus DC removal.
func (d *Demodulator) demodAM(samples []complex64) []float32 {
	env := make([]float32, len(samples))
	for i, s := range samples {
		env[i] = float32(cmplx.Abs(complex128(s)))
	}
	d.dcRemove.Process(env)
	return d.resamplerL.Process(env)
}

// demodSSB implements the USB/LSB/CW path: shift by
// ±bandwidth/2 to center the sideband at 0 Hz, take the real part.
// sign is -1 for USB/CW (shift up before centering) and +1 for LSB.
func (d *Demodulator) demodSSB(samples []complex64, sign float64) []float32 {
	bw := float64(d.cfg.BandwidthHz)
	if bw <= 0 {
		bw = 3000
	}
	shift := NewMixer(sign*bw/2, d.intermRate)
	shifted := append([]complex64(nil), samples...)
	shift.Mix(shifted)

	out := make([]float32, len(shifted))
	for i, s := range shifted {
		out[i] = real32(s)
	}
	return d.resamplerL.Process(out)
}

func real32(c complex64) float32 { return float32(real(c)) }

// Run drains in, demodulates each chunk, and emits an audio.Message per
// chunk to out, tagged with sessionID and a snapshot taken via snapshot().
// Each send to out blocks until out accepts it or ctx is cancelled, so
// this loop drops no chunk's audio; dropping for slow consumers happens in
// the audio broadcaster downstream.
func (d *Demodulator) Run(ctx context.Context, in <-chan iq.Message, out chan<- audio.Message, sessionID string, snapshot func() vfo.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			samples, channels := d.ProcessChunk(msg)
			if len(samples) == 0 {
				continue
			}
			select {
			case out <- audio.Message{
				Samples:      samples,
				SampleRateHz: uint32(d.cfg.AudioSampleRateHz),
				Channels:     channels,
				VFOSnapshot:  snapshot(),
				SessionID:    sessionID,
				TimestampNs:  msg.TimestampNs,
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}
