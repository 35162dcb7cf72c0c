// Package procman implements the Process Manager: the table of SDR
// runtimes and every consumer hanging off them (demodulators, recorders,
// decoders), with idempotent start/stop operations keyed by
// (sdr, session, vfo). An SDR worker terminates when its last client
// departs and no scheduled observation holds a reference.
package procman

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwsl/groundstation/internal/audio"
	"github.com/cwsl/groundstation/internal/broadcaster"
	"github.com/cwsl/groundstation/internal/decoder"
	"github.com/cwsl/groundstation/internal/demod"
	"github.com/cwsl/groundstation/internal/eventrouter"
	"github.com/cwsl/groundstation/internal/ferr"
	"github.com/cwsl/groundstation/internal/fftproc"
	"github.com/cwsl/groundstation/internal/iq"
	"github.com/cwsl/groundstation/internal/metrics"
	"github.com/cwsl/groundstation/internal/recorder"
	"github.com/cwsl/groundstation/internal/sdrworker"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/vfo"
)

// Notifier is the slice of the event router the process manager emits
// through. Nil-able for tests and headless runs.
type Notifier interface {
	Emit(sessionID, event string, payload any) error
	EmitBinary(sessionID string, tag byte, payload []byte) bool
	Broadcast(event string, payload any)
	ClientCount() int
}

// Options tunes the process manager's queue bounds and paths.
type Options struct {
	IQQueueCapacity    int // default 10 (IQ queues run 5..20)
	AudioQueueCapacity int // default 25 (audio queues run 10..50)

	FFT fftproc.Config

	AudioSampleRateHz    float64
	DeemphasisTauSeconds float64
	PilotThreshold       float64

	IQDir    string
	AudioDir string

	SnapshotInterval time.Duration // default 3s
}

func (o Options) withDefaults() Options {
	if o.IQQueueCapacity == 0 {
		o.IQQueueCapacity = 10
	}
	if o.AudioQueueCapacity == 0 {
		o.AudioQueueCapacity = 25
	}
	if o.FFT.FFTSize == 0 {
		o.FFT = fftproc.DefaultConfig()
	}
	if o.AudioSampleRateHz == 0 {
		o.AudioSampleRateHz = 44100
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = 3 * time.Second
	}
	return o
}

// demodRuntime is one live (session, vfo) demodulator chain.
type demodRuntime struct {
	cancel context.CancelFunc
	dem    *demod.Demodulator
	bc     *audio.Broadcaster
	done   chan struct{}
}

// recorderRuntime is one live per-session IQ recorder.
type recorderRuntime struct {
	cancel context.CancelFunc
	rec    *recorder.IQRecorder
	done   chan struct{}
}

// audioRecorderRuntime is one live per-(session, vfo) audio recorder.
type audioRecorderRuntime struct {
	cancel context.CancelFunc
	rec    *recorder.AudioRecorder
	done   chan struct{}
}

// decoderRuntime is one live per-(session, vfo) decoder subscription plus
// its supervised subprocess.
type decoderRuntime struct {
	cancel context.CancelFunc
	cfg    decoder.Config
	done   chan struct{}
	alive  bool // guarded by the manager mutex; ParentLive reads it
}

// SDRRuntime is one device's worth of pipeline: the worker, its IQ
// broadcaster, and every consumer keyed by session (and VFO where
// applicable).
type SDRRuntime struct {
	cfg    sdrworker.Config
	worker *sdrworker.Worker
	iq     *broadcaster.Broadcaster[iq.Message]
	cancel context.CancelFunc

	fftCancel context.CancelFunc
	fft       *fftproc.Processor

	clients      map[string]struct{}
	observations map[string]struct{}

	demods         map[string]map[uint8]*demodRuntime
	recorders      map[string]*recorderRuntime
	audioRecorders map[string]map[uint8]*audioRecorderRuntime
	decoders       map[string]map[uint8]*decoderRuntime
}

// Manager owns the SDR runtime table. All structural changes go through
// one mutex.
type Manager struct {
	log  *log.Logger
	opts Options

	vfos     *vfo.Manager
	sessions *session.Manager
	notifier Notifier
	metrics  *metrics.Metrics

	mu   sync.Mutex
	sdrs map[string]*SDRRuntime

	snapshotCancel context.CancelFunc
}

// New creates a process manager. notifier and m may be nil.
func New(vfos *vfo.Manager, sessions *session.Manager, notifier Notifier, m *metrics.Metrics, opts Options, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		log:      logger,
		opts:     opts.withDefaults(),
		vfos:     vfos,
		sessions: sessions,
		notifier: notifier,
		metrics:  m,
		sdrs:     make(map[string]*SDRRuntime),
	}
}

// StartSDR starts (or attaches session to) the worker for cfg.SDRID.
// Idempotent: a second start for the same device and session is a no-op,
// and a start for a running device just adds the session as a client.
func (m *Manager) StartSDR(cfg sdrworker.Config, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startSDRLocked(cfg, sessionID, "")
}

// StartSDRForObservation is StartSDR with an observation reference held,
// preventing worker teardown until the observation releases it.
func (m *Manager) StartSDRForObservation(cfg sdrworker.Config, sessionID, observationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startSDRLocked(cfg, sessionID, observationID)
}

func (m *Manager) startSDRLocked(cfg sdrworker.Config, sessionID, observationID string) error {
	rt, ok := m.sdrs[cfg.SDRID]
	if ok {
		rt.clients[sessionID] = struct{}{}
		if observationID != "" {
			rt.observations[observationID] = struct{}{}
		}
		return nil
	}

	bc := broadcaster.New[iq.Message](fmt.Sprintf("iq:%s", cfg.SDRID), m.opts.IQQueueCapacity, m.log)
	worker, err := sdrworker.New(cfg, bc, m.log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	bc.Start()
	if err := worker.Start(ctx); err != nil {
		cancel()
		bc.Stop()
		return err
	}

	rt = &SDRRuntime{
		cfg:            cfg,
		worker:         worker,
		iq:             bc,
		cancel:         cancel,
		clients:        map[string]struct{}{sessionID: {}},
		observations:   make(map[string]struct{}),
		demods:         make(map[string]map[uint8]*demodRuntime),
		recorders:      make(map[string]*recorderRuntime),
		audioRecorders: make(map[string]map[uint8]*audioRecorderRuntime),
		decoders:       make(map[string]map[uint8]*decoderRuntime),
	}
	if observationID != "" {
		rt.observations[observationID] = struct{}{}
	}
	m.sdrs[cfg.SDRID] = rt
	m.startFFTLocked(rt)

	if m.metrics != nil {
		m.metrics.ActiveSDRWorkers.Inc()
	}
	m.log.Printf("procman: started sdr %s (driver=%s, center=%.0f Hz, rate=%.0f)", cfg.SDRID, cfg.Driver, cfg.CenterFreqHz, cfg.SampleRateHz)
	return nil
}

// startFFTLocked launches the per-device FFT processor and its row fan-out
// to every client session viewing this SDR.
func (m *Manager) startFFTLocked(rt *SDRRuntime) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.fftCancel = cancel
	rt.fft = fftproc.New(m.opts.FFT, m.log)

	in := rt.iq.Subscribe(SubscriberID{Kind: SubFFT, Session: rt.cfg.SDRID}.String(), m.opts.IQQueueCapacity)
	rows := make(chan fftproc.WaterfallRow, 4)
	go rt.fft.Run(ctx, in, rows)
	go m.pumpFFTRows(ctx, rt.cfg.SDRID, rows)
}

func (m *Manager) pumpFFTRows(ctx context.Context, sdrID string, rows <-chan fftproc.WaterfallRow) {
	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-rows:
			if !ok {
				return
			}
			if m.metrics != nil {
				m.metrics.FFTRowsTotal.Inc()
			}
			if m.notifier == nil {
				continue
			}
			payload := audio.SampleBytes(row.PowerDb)
			for _, sessionID := range m.clientsOf(sdrID) {
				m.notifier.EmitBinary(sessionID, eventrouter.TagFFTData, payload)
			}
		}
	}
}

func (m *Manager) clientsOf(sdrID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rt.clients))
	for id := range rt.clients {
		out = append(out, id)
	}
	return out
}

// StopSDR detaches session from sdrID, tearing the worker down when the
// last client departs and no observation holds a reference. Idempotent.
func (m *Manager) StopSDR(sdrID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	m.stopSessionConsumersLocked(rt, sessionID)
	delete(rt.clients, sessionID)
	m.maybeReleaseSDRLocked(sdrID, rt)
}

// ReleaseObservation drops an observation's reference on sdrID.
func (m *Manager) ReleaseObservation(sdrID, observationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	delete(rt.observations, observationID)
	m.maybeReleaseSDRLocked(sdrID, rt)
}

func (m *Manager) maybeReleaseSDRLocked(sdrID string, rt *SDRRuntime) {
	if len(rt.clients) > 0 || len(rt.observations) > 0 {
		return
	}
	if rt.fftCancel != nil {
		rt.fftCancel()
	}
	rt.iq.Unsubscribe(SubscriberID{Kind: SubFFT, Session: rt.cfg.SDRID}.String())
	rt.cancel()
	rt.worker.Stop()
	rt.iq.Stop()
	delete(m.sdrs, sdrID)
	if m.metrics != nil {
		m.metrics.ActiveSDRWorkers.Dec()
	}
	m.log.Printf("procman: released sdr %s (last client departed)", sdrID)
}

// SDRInUseByUser reports whether any non-internal session is attached to
// sdrID. The observation executor consults this to reject rather than
// preempt.
func (m *Manager) SDRInUseByUser(sdrID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return false
	}
	for id := range rt.clients {
		if !session.IsInternal(id) {
			return true
		}
	}
	return false
}

// SDRConfig returns the live configuration of sdrID.
func (m *Manager) SDRConfig(sdrID string) (sdrworker.Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return sdrworker.Config{}, false
	}
	return rt.cfg, true
}

// Worker returns the live worker for sdrID, for control operations
// (retune, gain) routed through command handlers.
func (m *Manager) Worker(sdrID string) (*sdrworker.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return nil, false
	}
	return rt.worker, true
}

// frequencyInRange checks a VFO/task frequency against the device's
// passband [center - fs/2, center + fs/2].
func frequencyInRange(cfg sdrworker.Config, freqHz float64) bool {
	half := cfg.SampleRateHz / 2
	return freqHz >= cfg.CenterFreqHz-half && freqHz <= cfg.CenterFreqHz+half
}

// StartDemodulator creates the demodulator chain for (sdr, session, vfo):
// an IQ subscription, the DSP chain, the VFO gain/mute gate, the per-VFO
// audio broadcaster, and the web audio streamer sink. Idempotent.
func (m *Manager) StartDemodulator(sdrID, sessionID string, vfoNumber uint8, modulation vfo.Modulation, centerFreqHz int64, bandwidthHz uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return ferr.Configurationf("start_demodulator", "unknown sdr %q", sdrID)
	}
	if existing := rt.demods[sessionID]; existing != nil {
		if _, running := existing[vfoNumber]; running {
			return nil
		}
	}
	if !frequencyInRange(rt.cfg, float64(centerFreqHz)) {
		return ferr.Configurationf("start_demodulator",
			"vfo frequency %d Hz outside sdr passband [%.0f, %.0f]",
			centerFreqHz, rt.cfg.CenterFreqHz-rt.cfg.SampleRateHz/2, rt.cfg.CenterFreqHz+rt.cfg.SampleRateHz/2)
	}

	state := m.vfos.Set(sessionID, vfoNumber, vfo.Fields{
		CenterFreqHz: &centerFreqHz,
		BandwidthHz:  &bandwidthHz,
		Modulation:   &modulation,
		Active:       boolPtr(true),
	})

	sub := SubscriberID{Kind: SubDemod, Session: sessionID, VFO: vfoNumber}
	in := rt.iq.Subscribe(sub.String(), m.opts.IQQueueCapacity)

	dem := demod.New(demod.Config{
		SDRCenterFreqHz:      rt.cfg.CenterFreqHz,
		SDRSampleRateHz:      rt.cfg.SampleRateHz,
		VFOCenterFreqHz:      centerFreqHz,
		BandwidthHz:          bandwidthHz,
		Modulation:           modulation,
		SquelchEnabled:       state.Squelch != 0,
		SquelchDb:            state.Squelch,
		DeemphasisTauSeconds: m.opts.DeemphasisTauSeconds,
		PilotThreshold:       m.opts.PilotThreshold,
		AudioSampleRateHz:    m.opts.AudioSampleRateHz,
	}, m.log)

	bc := audio.NewBroadcaster(sub.String(), m.opts.AudioQueueCapacity, m.log)
	bc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	raw := make(chan audio.Message, 4)
	done := make(chan struct{})

	snapshot := func() vfo.State {
		s, _ := m.vfos.Get(sessionID, vfoNumber)
		return s
	}
	go dem.Run(ctx, in, raw, sessionID, snapshot)
	go m.runVFOGate(ctx, raw, bc, sessionID, done)
	m.startWebAudioLocked(ctx, bc, sessionID, vfoNumber)

	if rt.demods[sessionID] == nil {
		rt.demods[sessionID] = make(map[uint8]*demodRuntime)
	}
	rt.demods[sessionID][vfoNumber] = &demodRuntime{cancel: cancel, dem: dem, bc: bc, done: done}

	if sess, ok := m.sessions.Get(sessionID); ok {
		sess.SetSDR(sdrID)
		sess.MarkMode(string(modulation))
	}
	if m.metrics != nil {
		m.metrics.ActiveDemods.Inc()
	}
	m.log.Printf("procman: started demodulator %s on %s (%s %d Hz bw=%d)", sub, sdrID, modulation, centerFreqHz, bandwidthHz)
	return nil
}

// runVFOGate applies the VFO manager's emit/mute rules to each demodulated
// chunk before it reaches the audio broadcaster.
func (m *Manager) runVFOGate(ctx context.Context, raw <-chan audio.Message, bc *audio.Broadcaster, sessionID string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-raw:
			if !ok {
				return
			}
			out, emit := audio.ApplyVFO(msg, msg.VFOSnapshot, sessionID)
			if !emit {
				continue
			}
			select {
			case bc.Input() <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

// startWebAudioLocked attaches the per-session web audio streamer to a
// demodulator's audio broadcaster: RTP-framed float32 chunks emitted as
// binary audio-data frames into the owning session's room only.
func (m *Manager) startWebAudioLocked(ctx context.Context, bc *audio.Broadcaster, sessionID string, vfoNumber uint8) {
	if m.notifier == nil {
		return
	}
	sub := SubscriberID{Kind: SubWebAudio, Session: sessionID, VFO: vfoNumber}
	ch := bc.Subscribe(sub.String(), m.opts.AudioQueueCapacity)
	packetizer := audio.NewRTPPacketizer(audio.SSRCFor(sessionID, vfoNumber))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				pkt, err := packetizer.Packetize(msg)
				if err != nil {
					m.log.Printf("procman: rtp packetize failed for %s: %v", sub, err)
					continue
				}
				m.notifier.EmitBinary(sessionID, eventrouter.TagAudioData, pkt)
				if m.metrics != nil {
					m.metrics.AudioBytesTotal.Add(float64(len(pkt)))
				}
				if sess, ok := m.sessions.Get(sessionID); ok {
					sess.RecordAudioBytes(uint64(len(pkt)))
				}
			}
		}
	}()
}

// StopDemodulator stops one VFO's demodulator, or all of a session's
// demodulators on the device when vfoNumber is nil. Idempotent.
func (m *Manager) StopDemodulator(sdrID, sessionID string, vfoNumber *uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	byVFO := rt.demods[sessionID]
	if byVFO == nil {
		return
	}

	stop := func(n uint8, dr *demodRuntime) {
		rt.iq.Unsubscribe(SubscriberID{Kind: SubDemod, Session: sessionID, VFO: n}.String())
		dr.cancel()
		<-dr.done
		dr.bc.Stop()
		delete(byVFO, n)
		if m.metrics != nil {
			m.metrics.ActiveDemods.Dec()
		}
		m.log.Printf("procman: stopped demodulator %s", SubscriberID{Kind: SubDemod, Session: sessionID, VFO: n})
	}

	if vfoNumber != nil {
		if dr, running := byVFO[*vfoNumber]; running {
			stop(*vfoNumber, dr)
		}
	} else {
		for n, dr := range byVFO {
			stop(n, dr)
		}
	}
	if len(byVFO) == 0 {
		delete(rt.demods, sessionID)
	}
}

// RetuneVFO updates a live VFO's center frequency through both the VFO
// manager and the running demodulator's mixer.
func (m *Manager) RetuneVFO(sdrID, sessionID string, vfoNumber uint8, centerFreqHz int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.sdrs[sdrID]
	if !ok {
		return ferr.Configurationf("retune_vfo", "unknown sdr %q", sdrID)
	}
	if !frequencyInRange(rt.cfg, float64(centerFreqHz)) {
		return ferr.Configurationf("retune_vfo", "frequency %d Hz outside sdr passband", centerFreqHz)
	}

	m.vfos.Set(sessionID, vfoNumber, vfo.Fields{CenterFreqHz: &centerFreqHz})
	if byVFO := rt.demods[sessionID]; byVFO != nil {
		if dr, running := byVFO[vfoNumber]; running {
			dr.dem.Retune(centerFreqHz)
		}
	}
	return nil
}

// ApplyTrackingUpdate routes a Doppler-corrected rig frequency from the
// tracker into the VFO manager (mode-specific offsets, activation only on
// entering tracking) and the live demodulator's mixer.
func (m *Manager) ApplyTrackingUpdate(sdrID, sessionID string, vfoNumber uint8, rigFreqHz int64, mode vfo.Modulation, enteringTracking bool) {
	state := m.vfos.ApplyTrackingUpdate(sessionID, vfoNumber, rigFreqHz, mode, enteringTracking)

	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sdrs[sdrID]
	if !ok {
		return
	}
	if byVFO := rt.demods[sessionID]; byVFO != nil {
		if dr, running := byVFO[vfoNumber]; running {
			dr.dem.Retune(state.CenterFreqHz)
		}
	}
}

// StopAllForSession tears down every consumer a session owns on sdrID and
// detaches it. Used on disconnect and by the observation stop job.
func (m *Manager) StopAllForSession(sdrID, sessionID string) {
	m.StopSDR(sdrID, sessionID)
}

// stopSessionConsumersLocked stops a session's demodulators, recorders,
// and decoders on rt.
func (m *Manager) stopSessionConsumersLocked(rt *SDRRuntime, sessionID string) {
	if byVFO := rt.demods[sessionID]; byVFO != nil {
		for n, dr := range byVFO {
			rt.iq.Unsubscribe(SubscriberID{Kind: SubDemod, Session: sessionID, VFO: n}.String())
			dr.cancel()
			<-dr.done
			dr.bc.Stop()
			if m.metrics != nil {
				m.metrics.ActiveDemods.Dec()
			}
		}
		delete(rt.demods, sessionID)
	}
	m.stopIQRecorderLocked(rt, sessionID)
	if byVFO := rt.audioRecorders[sessionID]; byVFO != nil {
		for n := range byVFO {
			m.stopAudioRecorderLocked(rt, sessionID, n)
		}
	}
	if byVFO := rt.decoders[sessionID]; byVFO != nil {
		for n := range byVFO {
			m.stopDecoderLocked(rt, sessionID, n)
		}
	}
	m.vfos.RemoveSession(sessionID)
}

func boolPtr(b bool) *bool { return &b }

// iqRecordingPath builds the on-disk name for a session's IQ recording.
func (m *Manager) iqRecordingPath(sdrID, sessionID string) string {
	name := fmt.Sprintf("%s_%s_%d.sigmf-data", sdrID, sessionID, time.Now().Unix())
	return filepath.Join(m.opts.IQDir, name)
}

// audioRecordingPath builds the on-disk name for a VFO's audio recording.
func (m *Manager) audioRecordingPath(sessionID string, vfoNumber uint8) string {
	name := fmt.Sprintf("%s_vfo%d_%d.wav", sessionID, vfoNumber, time.Now().Unix())
	return filepath.Join(m.opts.AudioDir, name)
}
