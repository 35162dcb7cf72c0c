package procman

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/ferr"
	"github.com/cwsl/groundstation/internal/fftproc"
	"github.com/cwsl/groundstation/internal/sdrworker"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/vfo"
)

// writePlaybackFixture builds a looping sigmf pair so a worker can run
// without hardware.
func writePlaybackFixture(t *testing.T, sampleRate, freq float64) string {
	t.Helper()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "fixture.sigmf-data")

	// 16k zero samples of cf32_le.
	require.NoError(t, os.WriteFile(dataPath, make([]byte, 16384*8), 0o644))

	meta := map[string]any{
		"global": map[string]any{
			"core:datatype":    "cf32_le",
			"core:sample_rate": sampleRate,
		},
		"captures": []map[string]any{
			{"core:sample_start": 0, "core:frequency": freq, "core:datetime": "2026-01-01T00:00:00Z"},
		},
	}
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fixture.sigmf-meta"), raw, 0o644))
	return dataPath
}

func testSDRConfig(t *testing.T) sdrworker.Config {
	return sdrworker.Config{
		SDRID:         "sig0",
		Driver:        sdrworker.DriverSigMFPlayback,
		CenterFreqHz:  100_000_000,
		SampleRateHz:  1_000_000,
		FFTHintSize:   256,
		RecordingPath: writePlaybackFixture(t, 1_000_000, 100_000_000),
		LoopPlayback:  true,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	sessions, err := session.NewManager(nil, nil)
	require.NoError(t, err)
	return New(vfo.NewManager(), sessions, nil, nil, Options{
		IQDir:    t.TempDir(),
		AudioDir: t.TempDir(),
		FFT:      fftproc.Config{FFTSize: 512, Window: fftproc.WindowHanning, Averaging: 2},
	}, nil)
}

func subscriberNames(t *testing.T, m *Manager, sdrID string) []string {
	t.Helper()
	snap := m.Snapshot()
	for _, s := range snap.SDRs {
		if s.ID == sdrID {
			names := make([]string, 0, len(s.IQStats.Subscriber))
			for _, sub := range s.IQStats.Subscriber {
				names = append(names, sub.Name)
			}
			return names
		}
	}
	return nil
}

func TestStartSDRIdempotent(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)

	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	require.NoError(t, m.StartSDR(cfg, "sess-1"))

	snap := m.Snapshot()
	require.Len(t, snap.SDRs, 1)
	assert.Equal(t, []string{"sess-1"}, snap.SDRs[0].Clients)

	m.StopSDR(cfg.SDRID, "sess-1")
}

func TestDemodStartStopStartLeavesNoLeakedSubscriber(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	start := func() error {
		return m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModFM, 100_100_000, 12_500)
	}
	require.NoError(t, start())

	one := uint8(1)
	m.StopDemodulator(cfg.SDRID, "sess-1", &one)
	require.NoError(t, start())

	want := SubscriberID{Kind: SubDemod, Session: "sess-1", VFO: 1}.String()
	count := 0
	for _, name := range subscriberNames(t, m, cfg.SDRID) {
		if name == want {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one demod subscription after start/stop/start")
}

func TestDemodStartIdempotent(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	require.NoError(t, m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModFM, 100_100_000, 12_500))
	require.NoError(t, m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModFM, 100_100_000, 12_500))

	snap := m.Snapshot()
	require.Len(t, snap.SDRs, 1)
	assert.Len(t, snap.SDRs[0].Demods, 1)
}

func TestDemodOutOfPassbandRejected(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	// Passband is [99.5, 100.5] MHz; 200 MHz is far outside.
	err := m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModFM, 200_000_000, 12_500)
	require.Error(t, err)
	var cerr *ferr.Configuration
	assert.True(t, errors.As(err, &cerr))

	want := SubscriberID{Kind: SubDemod, Session: "sess-1", VFO: 1}.String()
	for _, name := range subscriberNames(t, m, cfg.SDRID) {
		assert.NotEqual(t, want, name, "no subscriber may be created on a configuration error")
	}
}

func TestStopDemodulatorAllVFOs(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	require.NoError(t, m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModFM, 100_100_000, 12_500))
	require.NoError(t, m.StartDemodulator(cfg.SDRID, "sess-1", 2, vfo.ModAM, 100_200_000, 10_000))

	// Omitted vfo number stops every VFO the session owns.
	m.StopDemodulator(cfg.SDRID, "sess-1", nil)

	snap := m.Snapshot()
	require.Len(t, snap.SDRs, 1)
	assert.Empty(t, snap.SDRs[0].Demods)
}

func TestWorkerTerminatesWithLastClient(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)

	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	require.NoError(t, m.StartSDR(cfg, "sess-2"))

	m.StopSDR(cfg.SDRID, "sess-1")
	_, ok := m.SDRConfig(cfg.SDRID)
	assert.True(t, ok, "worker must survive while another client remains")

	m.StopSDR(cfg.SDRID, "sess-2")
	_, ok = m.SDRConfig(cfg.SDRID)
	assert.False(t, ok, "worker must terminate with its last client")
}

func TestObservationReferenceKeepsWorkerAlive(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	internal := session.InternalID("obs-1", "sig0")

	require.NoError(t, m.StartSDRForObservation(cfg, internal, "obs-1"))
	m.StopSDR(cfg.SDRID, internal)

	_, ok := m.SDRConfig(cfg.SDRID)
	assert.True(t, ok, "observation reference must prevent teardown")

	m.ReleaseObservation(cfg.SDRID, "obs-1")
	_, ok = m.SDRConfig(cfg.SDRID)
	assert.False(t, ok)
}

func TestSDRInUseByUser(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)

	require.NoError(t, m.StartSDRForObservation(cfg, session.InternalID("obs-1", ""), "obs-1"))
	assert.False(t, m.SDRInUseByUser(cfg.SDRID))

	require.NoError(t, m.StartSDR(cfg, "user-sess"))
	assert.True(t, m.SDRInUseByUser(cfg.SDRID))

	m.StopSDR(cfg.SDRID, "user-sess")
	m.ReleaseObservation(cfg.SDRID, "obs-1")
}

func TestIQRecorderLifecycle(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	require.NoError(t, m.StartRecorder(cfg.SDRID, "sess-1"))
	require.NoError(t, m.StartRecorder(cfg.SDRID, "sess-1")) // idempotent

	time.Sleep(150 * time.Millisecond)
	m.StopRecorder(cfg.SDRID, "sess-1")
	m.StopRecorder(cfg.SDRID, "sess-1") // idempotent

	entries, err := os.ReadDir(m.opts.IQDir)
	require.NoError(t, err)
	var data, meta bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".sigmf-data" {
			data = true
		}
		if filepath.Ext(e.Name()) == ".sigmf-meta" {
			meta = true
		}
	}
	assert.True(t, data, "recorder must write a .sigmf-data file")
	assert.True(t, meta, "recorder must write its sidecar on close")
}

func TestApplyTrackingUpdateUSBOffset(t *testing.T) {
	m := newTestManager(t)
	cfg := testSDRConfig(t)
	cfg.CenterFreqHz = 145_900_000
	require.NoError(t, m.StartSDR(cfg, "sess-1"))
	defer m.StopSDR(cfg.SDRID, "sess-1")

	require.NoError(t, m.StartDemodulator(cfg.SDRID, "sess-1", 1, vfo.ModUSB, 145_900_000, 3000))
	m.ApplyTrackingUpdate(cfg.SDRID, "sess-1", 1, 145_900_250, vfo.ModUSB, false)

	state, ok := m.vfos.Get("sess-1", 1)
	require.True(t, ok)
	assert.Equal(t, int64(145_901_750), state.CenterFreqHz)
	assert.Equal(t, vfo.ModUSB, state.Modulation)
}
