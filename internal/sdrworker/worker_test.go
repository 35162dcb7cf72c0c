package sdrworker

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/groundstation/internal/broadcaster"
	"github.com/cwsl/groundstation/internal/iq"
)

type fakeDriver struct {
	mu        sync.Mutex
	chunks    [][]complex64
	idx       int
	opened    bool
	retuneErr error
	readDelay time.Duration
}

func (d *fakeDriver) Open(cfg Config) error { d.opened = true; return nil }
func (d *fakeDriver) ReadChunk() ([]complex64, error) {
	if d.readDelay > 0 {
		time.Sleep(d.readDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.chunks) {
		return nil, io.EOF
	}
	c := d.chunks[d.idx]
	d.idx++
	return c, nil
}
func (d *fakeDriver) Retune(float64) error        { return d.retuneErr }
func (d *fakeDriver) SetSampleRate(float64) error { return nil }
func (d *fakeDriver) SetGain(float64) error       { return nil }
func (d *fakeDriver) SetAGC(bool) error           { return nil }
func (d *fakeDriver) SetAntenna(string) error     { return nil }
func (d *fakeDriver) Close() error                { return nil }

func newTestWorker(t *testing.T, chunks [][]complex64) (*Worker, *broadcaster.Broadcaster[iq.Message]) {
	t.Helper()
	bc := broadcaster.New[iq.Message]("iq-test", 16, nil)
	bc.Start()
	t.Cleanup(bc.Stop)

	w := &Worker{
		id:     "sdr0",
		log:    log.Default(),
		cfg:    Config{SDRID: "sdr0", CenterFreqHz: 100e6, SampleRateHz: 48000},
		driver: &fakeDriver{chunks: chunks},
		state:  StateCreated,
		bc:     bc,
	}
	return w, bc
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	w, _ := newTestWorker(t, [][]complex64{{1, 2}})
	w.driver.(*fakeDriver).readDelay = 300 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx)) // second start, while still Running, is a no-op
	assert.Equal(t, StateRunning, w.State())
}

func TestWorkerPublishesChunksThenStopsOnEOF(t *testing.T) {
	w, bc := newTestWorker(t, [][]complex64{{1, 2, 3}, {4, 5}})
	sub := bc.Subscribe("test", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 2 {
		select {
		case <-sub:
			received++
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
		}
	}

	require.Eventually(t, func() bool {
		return w.State() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerRetunePublishesResetAverager(t *testing.T) {
	w, bc := newTestWorker(t, [][]complex64{{1, 2}})
	w.driver.(*fakeDriver).readDelay = 500 * time.Millisecond
	sub := bc.Subscribe("test", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, w.Retune(200e6))

	select {
	case msg := <-sub:
		assert.True(t, msg.ResetAverager)
	case <-time.After(time.Second):
		t.Fatal("expected a reset_averager control message after retune")
	}
}

func TestWorkerStopFromRunning(t *testing.T) {
	w, _ := newTestWorker(t, [][]complex64{{1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	w.Stop()
	assert.Equal(t, StateStopped, w.State())
}
