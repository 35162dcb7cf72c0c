package procman

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/cwsl/groundstation/internal/audio"
	"github.com/cwsl/groundstation/internal/decoder"
	"github.com/cwsl/groundstation/internal/ferr"
	"github.com/cwsl/groundstation/internal/iq"
	"github.com/cwsl/groundstation/internal/recorder"
)

// StartRecorder begins recording sdrID's raw IQ for sessionID
// (cf32_le + sigmf-meta sidecar). Idempotent.
func (m *Manager) StartRecorder(sdrID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return ferr.Configurationf("start_recorder", "unknown sdr %q", sdrID)
	}
	if _, running := rt.recorders[sessionID]; running {
		return nil
	}

	rec, err := recorder.NewIQRecorder(m.iqRecordingPath(sdrID, sessionID), rt.cfg.SampleRateHz, rt.cfg.CenterFreqHz)
	if err != nil {
		return err
	}

	sub := SubscriberID{Kind: SubRecorder, Session: sessionID}
	in := rt.iq.Subscribe(sub.String(), m.opts.IQQueueCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if err := rec.Write(msg); err != nil {
					m.log.Printf("procman: iq recorder %s write failed: %v", sub, err)
				}
				if msg.Buf != nil {
					msg.Buf.Release()
				}
			}
		}
	}()

	rt.recorders[sessionID] = &recorderRuntime{cancel: cancel, rec: rec, done: done}
	m.log.Printf("procman: started iq recorder %s on %s", sub, sdrID)
	return nil
}

// StopRecorder finalizes a session's IQ recording. Idempotent.
func (m *Manager) StopRecorder(sdrID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	m.stopIQRecorderLocked(rt, sessionID)
}

func (m *Manager) stopIQRecorderLocked(rt *SDRRuntime, sessionID string) {
	rr, ok := rt.recorders[sessionID]
	if !ok {
		return
	}
	rt.iq.Unsubscribe(SubscriberID{Kind: SubRecorder, Session: sessionID}.String())
	rr.cancel()
	<-rr.done
	if err := rr.rec.Close(); err != nil {
		m.log.Printf("procman: iq recorder close failed: %v", err)
	}
	delete(rt.recorders, sessionID)
}

// StartAudioRecorder begins recording one VFO's demodulated audio
// (RIFF/WAV + JSON sidecar). The VFO's demodulator must be running.
// Idempotent.
func (m *Manager) StartAudioRecorder(sdrID, sessionID string, vfoNumber uint8, targetNorad int, targetName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return ferr.Configurationf("start_audio_recorder", "unknown sdr %q", sdrID)
	}
	dr := rt.demods[sessionID][vfoNumber]
	if dr == nil {
		return ferr.Configurationf("start_audio_recorder", "no demodulator running for session %s vfo %d", sessionID, vfoNumber)
	}
	if _, running := rt.audioRecorders[sessionID][vfoNumber]; running {
		return nil
	}

	state, _ := m.vfos.Get(sessionID, vfoNumber)
	rec, err := recorder.NewAudioRecorder(
		m.audioRecordingPath(sessionID, vfoNumber),
		1, vfoNumber, string(state.Modulation), rt.cfg.CenterFreqHz, state.CenterFreqHz, sessionID)
	if err != nil {
		return err
	}
	if targetNorad != 0 {
		rec.SetTargetSatellite(targetNorad, targetName)
	}

	sub := SubscriberID{Kind: SubAudioRecorder, Session: sessionID, VFO: vfoNumber}
	in := dr.bc.Subscribe(sub.String(), m.opts.AudioQueueCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if err := rec.Write(msg); err != nil {
					m.log.Printf("procman: audio recorder %s write failed: %v", sub, err)
				}
			}
		}
	}()

	if rt.audioRecorders[sessionID] == nil {
		rt.audioRecorders[sessionID] = make(map[uint8]*audioRecorderRuntime)
	}
	rt.audioRecorders[sessionID][vfoNumber] = &audioRecorderRuntime{cancel: cancel, rec: rec, done: done}
	m.log.Printf("procman: started audio recorder %s", sub)
	return nil
}

// StopAudioRecorder finalizes one VFO's audio recording. Idempotent.
func (m *Manager) StopAudioRecorder(sdrID, sessionID string, vfoNumber uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	m.stopAudioRecorderLocked(rt, sessionID, vfoNumber)
}

func (m *Manager) stopAudioRecorderLocked(rt *SDRRuntime, sessionID string, vfoNumber uint8) {
	byVFO := rt.audioRecorders[sessionID]
	ar, ok := byVFO[vfoNumber]
	if !ok {
		return
	}
	if dr := rt.demods[sessionID][vfoNumber]; dr != nil {
		dr.bc.Unsubscribe(SubscriberID{Kind: SubAudioRecorder, Session: sessionID, VFO: vfoNumber}.String())
	}
	ar.cancel()
	<-ar.done
	if state, exists := m.vfos.Get(sessionID, vfoNumber); exists {
		ar.rec.WriteSnapshot(state)
	}
	if err := ar.rec.Close(recorder.AudioStatusComplete); err != nil {
		m.log.Printf("procman: audio recorder close failed: %v", err)
	}
	delete(byVFO, vfoNumber)
	if len(byVFO) == 0 {
		delete(rt.audioRecorders, sessionID)
	}
}

// DecoderSpec resolves the external command line for a decoder type. The
// process manager treats decoders as black boxes; which binary implements
// a framing is deployment configuration.
type DecoderSpec func(cfg decoder.Config) (decoder.Spec, error)

// StartDecoder resolves the decoder configuration for (sdr, session, vfo)
// and launches the supervised subprocess, fed from the VFO's audio
// broadcaster (audio_in) or the raw IQ broadcaster (iq_in). A config
// change (per decoder.Config.Equal) restarts the decoder. Idempotent for
// an unchanged config.
func (m *Manager) StartDecoder(sdrID, sessionID string, vfoNumber uint8, cfg decoder.Config, specFor DecoderSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return ferr.Configurationf("start_decoder", "unknown sdr %q", sdrID)
	}
	if specFor == nil {
		return ferr.Configurationf("start_decoder", "no decoder command resolver configured")
	}
	if existing, running := rt.decoders[sessionID][vfoNumber]; running {
		if existing.cfg.Equal(cfg) {
			return nil
		}
		m.stopDecoderLocked(rt, sessionID, vfoNumber)
	}

	sp, err := specFor(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	drt := &decoderRuntime{cancel: cancel, cfg: cfg, done: done, alive: true}

	var feed func(ctx context.Context, p *decoder.Process)
	sub := SubscriberID{Kind: SubDecoder, Session: sessionID, VFO: vfoNumber}
	if sp.IQInput {
		in := rt.iq.Subscribe(sub.String(), m.opts.IQQueueCapacity)
		feed = func(ctx context.Context, p *decoder.Process) {
			m.feedIQ(ctx, in, p)
		}
	} else {
		dr := rt.demods[sessionID][vfoNumber]
		if dr == nil {
			cancel()
			return ferr.Configurationf("start_decoder", "no demodulator running for session %s vfo %d", sessionID, vfoNumber)
		}
		in := dr.bc.Subscribe(sub.String(), m.opts.AudioQueueCapacity)
		feed = func(ctx context.Context, p *decoder.Process) {
			m.feedAudio(ctx, in, p)
		}
	}

	isLive := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return drt.alive
	}
	onEvent := func(name, detail string) {
		if m.metrics != nil && name == "decoder-stopped" {
			m.metrics.DecoderRestarts.WithLabelValues(cfg.DecoderType).Inc()
		}
		if m.notifier != nil {
			m.notifier.Emit(sessionID, name, map[string]string{
				"sdr_id":  sdrID,
				"decoder": cfg.DecoderType,
				"detail":  detail,
			})
		}
	}

	launch := decoder.NewProcessLauncher(cfg, sp, m.log, func(ctx context.Context, p *decoder.Process) {
		go feed(ctx, p)
		go m.pumpDecoderFrames(ctx, sessionID, cfg.DecoderType, p)
	})
	sup := decoder.NewSupervisor(launch, isLive, onEvent, m.log)
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	if rt.decoders[sessionID] == nil {
		rt.decoders[sessionID] = make(map[uint8]*decoderRuntime)
	}
	rt.decoders[sessionID][vfoNumber] = drt
	m.log.Printf("procman: started decoder %s (%s, framing=%s, baud=%.0f)", sub, cfg.DecoderType, cfg.Framing, cfg.Baudrate)
	return nil
}

// feedIQ pumps IQ chunks into a decoder's iq_in port as base64(cf32_le)
// lines.
func (m *Manager) feedIQ(ctx context.Context, in <-chan iq.Message, p *decoder.Process) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Buf == nil {
				continue
			}
			samples := msg.Buf.Samples()
			buf := make([]byte, len(samples)*8)
			for i, s := range samples {
				binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(real(s)))
				binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(imag(s)))
			}
			msg.Buf.Release()
			if err := p.WriteIQBase64(buf); err != nil {
				return
			}
		}
	}
}

// feedAudio pumps demodulated audio into a decoder's audio_in port.
func (m *Manager) feedAudio(ctx context.Context, in <-chan audio.Message, p *decoder.Process) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := p.WriteAudio(msg.Samples); err != nil {
				return
			}
		}
	}
}

// pumpDecoderFrames forwards decoded frames to the owning session's room
// and the metrics counters until the process's frame channel closes.
func (m *Manager) pumpDecoderFrames(ctx context.Context, sessionID, decoderType string, p *decoder.Process) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.Frames():
			if !ok {
				return
			}
			if m.metrics != nil {
				m.metrics.DecoderFramesTotal.WithLabelValues(decoderType).Inc()
			}
			if m.notifier != nil {
				m.notifier.Emit(sessionID, "decoder-frame", map[string]any{
					"decoder": decoderType,
					"frame":   frame,
				})
			}
		case status, ok := <-p.StatusEvents():
			if !ok {
				return
			}
			if status.Level == "error" {
				m.log.Printf("procman: decoder %s: %s", decoderType, status.Message)
			}
		}
	}
}

// StopDecoder stops one VFO's decoder. Idempotent.
func (m *Manager) StopDecoder(sdrID, sessionID string, vfoNumber uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	m.stopDecoderLocked(rt, sessionID, vfoNumber)
}

func (m *Manager) stopDecoderLocked(rt *SDRRuntime, sessionID string, vfoNumber uint8) {
	byVFO := rt.decoders[sessionID]
	dr, ok := byVFO[vfoNumber]
	if !ok {
		return
	}
	dr.alive = false
	sub := SubscriberID{Kind: SubDecoder, Session: sessionID, VFO: vfoNumber}
	rt.iq.Unsubscribe(sub.String())
	if dem := rt.demods[sessionID][vfoNumber]; dem != nil {
		dem.bc.Unsubscribe(sub.String())
	}
	dr.cancel()

	// The supervisor exits on ctx cancel; waiting here would deadlock the
	// isLive callback against m.mu, so teardown completion is observed by
	// the done channel outside the lock if a caller needs it.
	delete(byVFO, vfoNumber)
	if len(byVFO) == 0 {
		delete(rt.decoders, sessionID)
	}
	m.log.Printf("procman: stopped decoder %s", sub)
}
