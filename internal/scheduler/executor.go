package scheduler

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cwsl/groundstation/internal/decoder"
	"github.com/cwsl/groundstation/internal/eventrouter"
	"github.com/cwsl/groundstation/internal/ferr"
	"github.com/cwsl/groundstation/internal/procman"
	"github.com/cwsl/groundstation/internal/sdrworker"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/store"
	"github.com/cwsl/groundstation/internal/vfo"
)

// Pipeline is the slice of the process manager the executor drives.
// Narrowed to an interface so tests can execute observations against a
// fake pipeline without SDR hardware or playback files.
type Pipeline interface {
	StartSDRForObservation(cfg sdrworker.Config, sessionID, observationID string) error
	ReleaseObservation(sdrID, observationID string)
	StopAllForSession(sdrID, sessionID string)
	StartDemodulator(sdrID, sessionID string, vfoNumber uint8, modulation vfo.Modulation, centerFreqHz int64, bandwidthHz uint32) error
	StartRecorder(sdrID, sessionID string) error
	StartAudioRecorder(sdrID, sessionID string, vfoNumber uint8, targetNorad int, targetName string) error
	StartDecoder(sdrID, sessionID string, vfoNumber uint8, cfg decoder.Config, specFor procman.DecoderSpec) error
	SDRInUseByUser(sdrID string) bool
}

// Notifier is the slice of the event router the executor publishes status
// through. Nil-able.
type Notifier interface {
	Broadcast(event string, payload any)
}

// Options tunes the executor.
type Options struct {
	Lead       time.Duration // setup begins at task_start - Lead (default 30s)
	Tick       time.Duration // sweeper cadence (default 5s)
	MaxErrors  int           // default 3; not read by the executor: a failed start marks the observation failed and it is not retried
	DecoderCmd procman.DecoderSpec

	// SDRDefs maps sdr_id to the full device configuration; a session
	// plan's SDRConfig carries only the tuning subset.
	SDRDefs map[string]sdrworker.Config
}

func (o Options) withDefaults() Options {
	if o.Lead <= 0 {
		o.Lead = 30 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = 5 * time.Second
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 3
	}
	return o
}

// Executor walks scheduled observations through
// scheduled -> running -> {completed, failed, cancelled, missed},
// synthesizing internal sessions that drive the normal pipeline.
type Executor struct {
	st       store.Store
	pm       Pipeline
	sessions *session.Manager
	notifier Notifier
	log      *log.Logger
	opts     Options

	mu       sync.Mutex
	stopJobs map[string]*time.Timer
}

// NewExecutor creates an observation executor. notifier may be nil.
func NewExecutor(st store.Store, pm Pipeline, sessions *session.Manager, notifier Notifier, opts Options, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		st:       st,
		pm:       pm,
		sessions: sessions,
		notifier: notifier,
		log:      logger,
		opts:     opts.withDefaults(),
		stopJobs: make(map[string]*time.Timer),
	}
}

// Run sweeps the observation table every tick until ctx is cancelled.
// Cancellation is cooperative (a shutdown channel, not an exception
// threaded through the scheduler).
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.cancelAllStopJobs()
			return
		case <-ticker.C:
			e.Sweep(time.Now().UTC())
		}
	}
}

// Sweep advances every observation due for a transition at now.
func (e *Executor) Sweep(now time.Time) {
	observations, err := e.st.ListScheduledObservations()
	if err != nil {
		e.log.Printf("scheduler: list observations failed: %v", err)
		return
	}

	for _, obs := range observations {
		switch {
		case obs.Status == store.ObsScheduled && now.After(obs.EventEndUTC):
			// The pass window is gone and the observation never started.
			e.transition(obs, store.ObsMissed, "")

		case obs.Status == store.ObsScheduled && !now.Before(obs.TaskStartUTC.Add(-e.opts.Lead)):
			e.start(obs, now)

		case obs.Status == store.ObsRunning && now.After(obs.TaskEndUTC):
			// Backstop: the stop job normally fires first.
			e.stop(obs, store.ObsCompleted)
		}
	}
}

// start validates and launches one observation. A separate stop job is
// registered before any task starts, so teardown happens even when start
// fails partway through.
func (e *Executor) start(obs store.ScheduledObservation, now time.Time) {
	if err := e.validate(obs); err != nil {
		e.fail(obs, err)
		return
	}

	e.scheduleStopJob(obs, now)

	for _, plan := range obs.Sessions {
		if err := e.startPlan(obs, plan); err != nil {
			e.fail(obs, err)
			e.teardown(obs)
			return
		}
	}

	obs.Status = store.ObsRunning
	started := now
	obs.ActualStartUTC = &started
	if err := e.st.PutScheduledObservation(obs); err != nil {
		e.log.Printf("scheduler: persist running status for %s failed: %v", obs.ID, err)
	}
	e.notifyStatus(obs)
	e.log.Printf("scheduler: observation %s running (satellite %d, %d session plans)", obs.ID, obs.NoradID, len(obs.Sessions))
}

// validate applies the pre-start configuration checks: every task
// frequency inside its SDR's passband, and no SDR already held by a user
// session (reject, never preempt).
func (e *Executor) validate(obs store.ScheduledObservation) error {
	for _, plan := range obs.Sessions {
		def, ok := e.opts.SDRDefs[plan.SDR.SDRID]
		if !ok {
			return ferr.Configurationf("observation", "unknown sdr %q", plan.SDR.SDRID)
		}
		cfg := applyPlan(def, plan.SDR)

		if e.pm.SDRInUseByUser(cfg.SDRID) {
			return ferr.Configurationf("observation", "sdr %q is in use by a user session", cfg.SDRID)
		}
		half := cfg.SampleRateHz / 2
		for _, task := range plan.Tasks {
			if task.FrequencyHz == 0 {
				continue
			}
			if task.FrequencyHz < cfg.CenterFreqHz-half || task.FrequencyHz > cfg.CenterFreqHz+half {
				return ferr.Configurationf("observation",
					"task frequency %.0f Hz outside sdr %q passband [%.0f, %.0f]",
					task.FrequencyHz, cfg.SDRID, cfg.CenterFreqHz-half, cfg.CenterFreqHz+half)
			}
		}
	}
	return nil
}

// applyPlan overlays a session plan's tuning subset on the device
// definition.
func applyPlan(def sdrworker.Config, plan store.SDRConfig) sdrworker.Config {
	if plan.CenterFreqHz != 0 {
		def.CenterFreqHz = plan.CenterFreqHz
	}
	if plan.SampleRateHz != 0 {
		def.SampleRateHz = plan.SampleRateHz
	}
	return def
}

// startPlan creates the internal session for one session plan and starts
// its tasks, one VFO per frequency-bearing task.
func (e *Executor) startPlan(obs store.ScheduledObservation, plan store.SessionPlan) error {
	def := e.opts.SDRDefs[plan.SDR.SDRID]
	cfg := applyPlan(def, plan.SDR)

	sess := e.sessions.CreateInternal(obs.ID, plan.SDR.SDRID)
	if err := e.pm.StartSDRForObservation(cfg, sess.ID, obs.ID); err != nil {
		return err
	}

	vfoNumber := uint8(0)
	for _, task := range plan.Tasks {
		switch task.Kind {
		case "recorder":
			if err := e.pm.StartRecorder(cfg.SDRID, sess.ID); err != nil {
				return err
			}

		case "audio-recorder":
			vfoNumber++
			mod := taskModulation(task)
			if err := e.pm.StartDemodulator(cfg.SDRID, sess.ID, vfoNumber, mod, int64(task.FrequencyHz), taskBandwidth(task, mod)); err != nil {
				return err
			}
			if err := e.pm.StartAudioRecorder(cfg.SDRID, sess.ID, vfoNumber, obs.NoradID, ""); err != nil {
				return err
			}

		case "decoder":
			vfoNumber++
			mod := taskModulation(task)
			if err := e.pm.StartDemodulator(cfg.SDRID, sess.ID, vfoNumber, mod, int64(task.FrequencyHz), taskBandwidth(task, mod)); err != nil {
				return err
			}
			dcfg, err := decoder.Resolve(task.Params["decoder_type"], task.Modulation, nil, nil, overridesFromParams(task.Params), 48000)
			if err != nil {
				return err
			}
			if err := e.pm.StartDecoder(cfg.SDRID, sess.ID, vfoNumber, dcfg, e.opts.DecoderCmd); err != nil {
				return err
			}

		default:
			return ferr.Configurationf("observation", "unknown task kind %q", task.Kind)
		}
	}
	return nil
}

func taskModulation(task store.Task) vfo.Modulation {
	switch task.Modulation {
	case "fm", "FM", "nfm":
		return vfo.ModFM
	case "wfm", "WFM":
		return vfo.ModWFM
	case "am", "AM":
		return vfo.ModAM
	case "usb", "USB":
		return vfo.ModUSB
	case "lsb", "LSB":
		return vfo.ModLSB
	case "cw", "CW":
		return vfo.ModCW
	default:
		return vfo.ModFM
	}
}

func taskBandwidth(task store.Task, mod vfo.Modulation) uint32 {
	if raw, ok := task.Params["bandwidth_hz"]; ok {
		if bw, err := strconv.ParseUint(raw, 10, 32); err == nil && bw > 0 {
			return uint32(bw)
		}
	}
	switch mod {
	case vfo.ModWFM:
		return 200_000
	case vfo.ModAM:
		return 10_000
	case vfo.ModUSB, vfo.ModLSB:
		return 3_000
	case vfo.ModCW:
		return 500
	default:
		return 12_500
	}
}

func overridesFromParams(params map[string]string) *decoder.Overrides {
	if params == nil {
		return nil
	}
	var o decoder.Overrides
	touched := false
	if raw, ok := params["baudrate"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			o.Baudrate = &v
			touched = true
		}
	}
	if raw, ok := params["framing"]; ok {
		f := decoder.Framing(raw)
		o.Framing = &f
		touched = true
	}
	if !touched {
		return nil
	}
	return &o
}

// scheduleStopJob registers the guaranteed-teardown timer for obs.
func (e *Executor) scheduleStopJob(obs store.ScheduledObservation, now time.Time) {
	delay := obs.TaskEndUTC.Sub(now)
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.stopJobs[obs.ID]; ok {
		old.Stop()
	}
	e.stopJobs[obs.ID] = time.AfterFunc(delay, func() {
		current, err := e.st.GetScheduledObservation(obs.ID)
		if err != nil {
			return
		}
		if current.Status == store.ObsRunning {
			e.stop(current, store.ObsCompleted)
		} else {
			// Start failed partway: the stop job still guarantees teardown.
			e.teardown(current)
		}
	})
}

func (e *Executor) cancelAllStopJobs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.stopJobs {
		timer.Stop()
		delete(e.stopJobs, id)
	}
}

// stop tears an observation down and records its final status.
func (e *Executor) stop(obs store.ScheduledObservation, status store.ObservationStatus) {
	e.mu.Lock()
	if timer, ok := e.stopJobs[obs.ID]; ok {
		timer.Stop()
		delete(e.stopJobs, obs.ID)
	}
	e.mu.Unlock()

	e.teardown(obs)

	ended := time.Now().UTC()
	obs.ActualEndUTC = &ended
	e.transition(obs, status, obs.ErrorMessage)
	e.log.Printf("scheduler: observation %s %s", obs.ID, status)
}

// teardown stops consumers and unregisters every internal session the
// observation created. Idempotent.
func (e *Executor) teardown(obs store.ScheduledObservation) {
	for _, plan := range obs.Sessions {
		sessionID := session.InternalID(obs.ID, plan.SDR.SDRID)
		e.pm.StopAllForSession(plan.SDR.SDRID, sessionID)
		e.pm.ReleaseObservation(plan.SDR.SDRID, obs.ID)
		e.sessions.Remove(sessionID)
	}
}

// Cancel marks a scheduled or running observation cancelled and tears it
// down if it was running.
func (e *Executor) Cancel(observationID string) error {
	obs, err := e.st.GetScheduledObservation(observationID)
	if err != nil {
		return err
	}
	switch obs.Status {
	case store.ObsScheduled:
		e.transition(obs, store.ObsCancelled, "")
		return nil
	case store.ObsRunning:
		e.stop(obs, store.ObsCancelled)
		return nil
	default:
		return ferr.Configurationf("observation", "cannot cancel observation in status %q", obs.Status)
	}
}

// fail records a scheduler error on the observation without cascading to
// siblings.
func (e *Executor) fail(obs store.ScheduledObservation, cause error) {
	obs.ErrorCount++
	wrapped := ferr.NewScheduler("observation", cause)
	e.transition(obs, store.ObsFailed, wrapped.Error())
	e.log.Printf("scheduler: observation %s failed (error_count=%d): %v", obs.ID, obs.ErrorCount, cause)
}

func (e *Executor) transition(obs store.ScheduledObservation, status store.ObservationStatus, errMsg string) {
	obs.Status = status
	if errMsg != "" {
		obs.ErrorMessage = errMsg
	}
	if err := e.st.PutScheduledObservation(obs); err != nil {
		e.log.Printf("scheduler: persist status %s for %s failed: %v", status, obs.ID, err)
		return
	}
	e.notifyStatus(obs)
}

func (e *Executor) notifyStatus(obs store.ScheduledObservation) {
	if e.notifier == nil {
		return
	}
	e.notifier.Broadcast(eventrouter.EventObservationStatusUpdate, map[string]any{
		"id":            obs.ID,
		"norad_id":      obs.NoradID,
		"status":        obs.Status,
		"error_message": obs.ErrorMessage,
		"error_count":   obs.ErrorCount,
	})
	e.notifier.Broadcast(eventrouter.EventScheduledObservationsChanged, struct{}{})
}

var _ Pipeline = (*procman.Manager)(nil)
