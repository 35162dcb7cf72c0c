package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/decoder"
	"github.com/cwsl/groundstation/internal/procman"
	"github.com/cwsl/groundstation/internal/sdrworker"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/store"
	"github.com/cwsl/groundstation/internal/tracker"
	"github.com/cwsl/groundstation/internal/vfo"
)

// fakePipeline records executor calls without driving real hardware.
type fakePipeline struct {
	mu             sync.Mutex
	userBusy       map[string]bool
	startedSDRs    []string
	stoppedFor     []string
	released       []string
	demods         int
	recorders      int
	audioRecorders int
	decoders       int
	failDemod      error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{userBusy: make(map[string]bool)}
}

func (f *fakePipeline) StartSDRForObservation(cfg sdrworker.Config, sessionID, observationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedSDRs = append(f.startedSDRs, cfg.SDRID)
	return nil
}

func (f *fakePipeline) ReleaseObservation(sdrID, observationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, observationID)
}

func (f *fakePipeline) StopAllForSession(sdrID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedFor = append(f.stoppedFor, sessionID)
}

func (f *fakePipeline) StartDemodulator(sdrID, sessionID string, vfoNumber uint8, modulation vfo.Modulation, centerFreqHz int64, bandwidthHz uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDemod != nil {
		return f.failDemod
	}
	f.demods++
	return nil
}

func (f *fakePipeline) StartRecorder(sdrID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorders++
	return nil
}

func (f *fakePipeline) StartAudioRecorder(sdrID, sessionID string, vfoNumber uint8, targetNorad int, targetName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioRecorders++
	return nil
}

func (f *fakePipeline) StartDecoder(sdrID, sessionID string, vfoNumber uint8, cfg decoder.Config, specFor procman.DecoderSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoders++
	return nil
}

func (f *fakePipeline) SDRInUseByUser(sdrID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userBusy[sdrID]
}

func testExecutor(t *testing.T, st store.Store, pm Pipeline) *Executor {
	t.Helper()
	sessions, err := session.NewManager(nil, nil)
	require.NoError(t, err)
	return NewExecutor(st, pm, sessions, nil, Options{
		Lead:      10 * time.Second,
		MaxErrors: 3,
		SDRDefs: map[string]sdrworker.Config{
			"rtl0": {
				SDRID:        "rtl0",
				Driver:       sdrworker.DriverRTLSDR,
				CenterFreqHz: 145_800_000,
				SampleRateHz: 2_048_000,
			},
		},
	}, nil)
}

func observation(id string, norad int, start, end time.Time, tasks ...store.Task) store.ScheduledObservation {
	if len(tasks) == 0 {
		tasks = []store.Task{{Kind: "recorder"}}
	}
	return store.ScheduledObservation{
		ID:            id,
		NoradID:       norad,
		EventStartUTC: start,
		EventEndUTC:   end,
		TaskStartUTC:  start,
		TaskEndUTC:    end,
		Status:        store.ObsScheduled,
		Sessions: []store.SessionPlan{{
			SDR:   store.SDRConfig{SDRID: "rtl0"},
			Tasks: tasks,
		}},
		GeneratedAt: time.Now().UTC(),
	}
}

func TestSweeperMarksMissed(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-1", 25544, now.Add(-30*time.Minute), now.Add(-20*time.Minute))
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-1")
	require.NoError(t, err)
	assert.Equal(t, store.ObsMissed, got.Status)
	assert.Empty(t, pm.startedSDRs, "a missed observation must never start")
}

func TestStartAtLeadTime(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-2", 25544, now.Add(5*time.Second), now.Add(10*time.Minute),
		store.Task{Kind: "recorder"},
		store.Task{Kind: "audio-recorder", FrequencyHz: 145_900_000, Modulation: "fm"},
	)
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-2")
	require.NoError(t, err)
	assert.Equal(t, store.ObsRunning, got.Status)
	require.NotNil(t, got.ActualStartUTC)
	assert.Equal(t, []string{"rtl0"}, pm.startedSDRs)
	assert.Equal(t, 1, pm.recorders)
	assert.Equal(t, 1, pm.demods)
	assert.Equal(t, 1, pm.audioRecorders)
	e.cancelAllStopJobs()
}

func TestRejectWhenSDRHeldByUserSession(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	pm.userBusy["rtl0"] = true
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-3", 25544, now, now.Add(10*time.Minute))
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-3")
	require.NoError(t, err)
	assert.Equal(t, store.ObsFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "in use by a user session")
	assert.Equal(t, 1, got.ErrorCount)
	assert.Empty(t, pm.startedSDRs, "reject, never preempt")
}

func TestTaskFrequencyOutsidePassbandFails(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	// Passband is [144.776, 146.824] MHz; 437 MHz is far outside.
	obs := observation("obs-4", 25544, now, now.Add(10*time.Minute),
		store.Task{Kind: "audio-recorder", FrequencyHz: 437_500_000, Modulation: "fm"})
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-4")
	require.NoError(t, err)
	assert.Equal(t, store.ObsFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "outside sdr")
}

func TestPartialStartFailureTearsDown(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	pm.failDemod = errors.New("mixer initialization failed")
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-5", 25544, now, now.Add(10*time.Minute),
		store.Task{Kind: "recorder"},
		store.Task{Kind: "audio-recorder", FrequencyHz: 145_900_000, Modulation: "fm"})
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-5")
	require.NoError(t, err)
	assert.Equal(t, store.ObsFailed, got.Status)
	// Teardown ran despite the partial start.
	assert.Equal(t, []string{session.InternalID("obs-5", "rtl0")}, pm.stoppedFor)
	assert.Equal(t, []string{"obs-5"}, pm.released)
	e.cancelAllStopJobs()
}

func TestRunningObservationStopsAtTaskEnd(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-6", 25544, now.Add(-10*time.Minute), now.Add(-time.Minute))
	obs.Status = store.ObsRunning
	require.NoError(t, st.PutScheduledObservation(obs))

	e.Sweep(now)

	got, err := st.GetScheduledObservation("obs-6")
	require.NoError(t, err)
	assert.Equal(t, store.ObsCompleted, got.Status)
	require.NotNil(t, got.ActualEndUTC)
	assert.Equal(t, []string{session.InternalID("obs-6", "rtl0")}, pm.stoppedFor)
}

func TestCancel(t *testing.T) {
	st := store.NewMemStore()
	pm := newFakePipeline()
	e := testExecutor(t, st, pm)

	now := time.Now().UTC()
	obs := observation("obs-7", 25544, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, st.PutScheduledObservation(obs))

	require.NoError(t, e.Cancel("obs-7"))
	got, _ := st.GetScheduledObservation("obs-7")
	assert.Equal(t, store.ObsCancelled, got.Status)

	// Cancelling a finished observation is a configuration error.
	assert.Error(t, e.Cancel("obs-7"))
}

func passAt(norad int, start time.Time, minutes int, peak float64) tracker.Pass {
	return tracker.Pass{
		NoradID:    norad,
		AOS:        start,
		LOS:        start.Add(time.Duration(minutes) * time.Minute),
		MaxElevDeg: peak,
	}
}

func TestConflictResolutionPriority(t *testing.T) {
	g := NewGenerator(store.NewMemStore(), tracker.Location{}, time.Hour, 10, StrategyPriority, nil)

	base := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	// Two passes of different satellites overlapping by 3 minutes, peaks
	// 60° and 30°: only the 60° pass survives.
	high := passAt(25544, base, 10, 60)
	low := passAt(43017, base.Add(7*time.Minute), 10, 30)

	accepted := g.resolveConflicts([]tracker.Pass{low, high})
	require.Len(t, accepted, 1)
	assert.Equal(t, 25544, accepted[0].NoradID)
}

func TestConflictResolutionSkip(t *testing.T) {
	g := NewGenerator(store.NewMemStore(), tracker.Location{}, time.Hour, 10, StrategySkip, nil)

	base := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	a := passAt(25544, base, 10, 60)
	b := passAt(43017, base.Add(5*time.Minute), 10, 30)
	c := passAt(47963, base.Add(30*time.Minute), 10, 45)

	accepted := g.resolveConflicts([]tracker.Pass{a, b, c})
	require.Len(t, accepted, 1)
	assert.Equal(t, 47963, accepted[0].NoradID, "only the non-overlapping pass survives under skip")
}

func TestConflictResolutionForce(t *testing.T) {
	g := NewGenerator(store.NewMemStore(), tracker.Location{}, time.Hour, 10, StrategyForce, nil)

	base := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	a := passAt(25544, base, 10, 60)
	b := passAt(43017, base.Add(5*time.Minute), 10, 30)

	accepted := g.resolveConflicts([]tracker.Pass{a, b})
	assert.Len(t, accepted, 2)
}

func TestDuplicateWithinMarginSuppressed(t *testing.T) {
	st := store.NewMemStore()
	g := NewGenerator(st, tracker.Location{}, time.Hour, 10, StrategyPriority, nil)

	base := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	existing := []store.ScheduledObservation{{
		ID:            "obs-existing",
		NoradID:       25544,
		EventStartUTC: base,
		EventEndUTC:   base.Add(10 * time.Minute),
		Status:        store.ObsScheduled,
	}}

	// Same satellite 4 minutes after the existing window ends: inside the
	// ±5 min margin, so suppressed.
	assert.True(t, g.duplicateExists(existing, passAt(25544, base.Add(14*time.Minute), 10, 40)))
	// 6 minutes after: outside the margin.
	assert.False(t, g.duplicateExists(existing, passAt(25544, base.Add(16*time.Minute), 10, 40)))
	// A cancelled observation never blocks.
	existing[0].Status = store.ObsCancelled
	assert.False(t, g.duplicateExists(existing, passAt(25544, base.Add(14*time.Minute), 10, 40)))
	// A different satellite never conflicts on the duplicate rule.
	existing[0].Status = store.ObsScheduled
	assert.False(t, g.duplicateExists(existing, passAt(43017, base.Add(14*time.Minute), 10, 40)))
}
