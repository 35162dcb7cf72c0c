package sdrworker

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/groundstation/internal/broadcaster"
	"github.com/cwsl/groundstation/internal/ferr"
	"github.com/cwsl/groundstation/internal/iq"
)

// State is the SDR Worker's lifecycle state:
// Created -> Starting -> Running <-> Reconfiguring -> Stopping -> Stopped.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateReconfiguring
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker owns one SDR device exclusively and publishes its output to an
// IQ Broadcaster.
type Worker struct {
	id  string
	log *log.Logger

	mu     sync.Mutex
	cfg    Config
	driver Driver
	state  State

	bc  *broadcaster.Broadcaster[iq.Message]
	seq uint64

	lastErr atomic.Value // error
}

// New creates a Worker in state Created. The driver is not opened until
// Start is called.
func New(cfg Config, bc *broadcaster.Broadcaster[iq.Message], logger *log.Logger) (*Worker, error) {
	if logger == nil {
		logger = log.Default()
	}
	drv, err := NewDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:     cfg.SDRID,
		log:    logger,
		cfg:    cfg,
		driver: drv,
		state:  StateCreated,
		bc:     bc,
	}, nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start opens the device and begins the read loop on a dedicated goroutine:
// a fixed-size chunk is read from the device on a dedicated thread. Start
// is idempotent: calling it again while already Running/Starting is a
// no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateRunning || w.state == StateStarting {
		w.mu.Unlock()
		return nil
	}
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		return ferr.NewConfiguration("sdr_start", errWorkerStopped)
	}
	w.state = StateStarting
	w.mu.Unlock()

	if err := w.driver.Open(w.cfg); err != nil {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.transitionStopped()
			return
		}
		if w.State() != StateRunning {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		chunk, err := w.driver.ReadChunk()
		if ln, ok := w.driver.(loopNotifier); ok && ln.TakeLooped() {
			w.bc.Input() <- iq.Message{ResetAverager: true}
		}
		if err != nil {
			if err == io.EOF {
				w.log.Printf("sdrworker[%s]: playback EOF, stopping", w.id)
				w.transitionStopped()
				return
			}
			w.lastErr.Store(err)
			w.log.Printf("sdrworker[%s]: device read error, stopping: %v", w.id, err)
			w.transitionStopped()
			return
		}

		w.mu.Lock()
		msg := iq.Message{
			Buf:          iq.NewBuffer(chunk),
			CenterFreqHz: w.cfg.CenterFreqHz,
			SampleRateHz: w.cfg.SampleRateHz,
			TimestampNs:  uint64(time.Now().UnixNano()),
			Seq:          w.seq,
		}
		w.seq++
		w.mu.Unlock()

		w.bc.Input() <- msg
	}
}

func (w *Worker) transitionStopped() {
	w.mu.Lock()
	w.state = StateStopping
	w.mu.Unlock()
	_ = w.driver.Close()
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
}

// Stop transitions to Stopping/Stopped from any non-Stopped state: stop is
// accepted from any state except Stopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.transitionStopped()
}

// reconfigure runs fn with the worker paused in Reconfiguring (no IQ
// published) and restores Running afterward, publishing a reset_averager
// control message first so downstream averagers discard history built up
// under the old frequency/rate.
func (w *Worker) reconfigure(fn func() error) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return ferr.NewConfiguration("sdr_reconfigure", errNotRunning)
	}
	w.state = StateReconfiguring
	w.mu.Unlock()

	err := fn()

	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()

	if err == nil {
		w.bc.Input() <- iq.Message{ResetAverager: true}
	}
	return err
}

// Retune changes the device center frequency.
func (w *Worker) Retune(centerFreqHz float64) error {
	return w.reconfigure(func() error {
		if err := w.driver.Retune(centerFreqHz); err != nil {
			return err
		}
		w.mu.Lock()
		w.cfg.CenterFreqHz = centerFreqHz
		w.mu.Unlock()
		return nil
	})
}

// SetSampleRate changes the device sample rate.
func (w *Worker) SetSampleRate(sampleRateHz float64) error {
	return w.reconfigure(func() error {
		if err := w.driver.SetSampleRate(sampleRateHz); err != nil {
			return err
		}
		w.mu.Lock()
		w.cfg.SampleRateHz = sampleRateHz
		w.mu.Unlock()
		return nil
	})
}

// SetGain changes the device gain.
func (w *Worker) SetGain(gainDb float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.driver.SetGain(gainDb); err != nil {
		return err
	}
	w.cfg.GainDb = gainDb
	return nil
}

// SetAGC toggles automatic gain control.
func (w *Worker) SetAGC(enabled bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.driver.SetAGC(enabled); err != nil {
		return err
	}
	w.cfg.AGC = enabled
	return nil
}

// SetAntenna selects the active antenna port.
func (w *Worker) SetAntenna(antenna string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.driver.SetAntenna(antenna); err != nil {
		return err
	}
	w.cfg.Antenna = antenna
	return nil
}

// LastError returns the most recent device error observed by the read
// loop, if any.
func (w *Worker) LastError() error {
	if v := w.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// loopNotifier is implemented by playback drivers that rewind: the worker
// checks it after each read to tag loop boundaries for downstream
// averagers.
type loopNotifier interface {
	TakeLooped() bool
}

const errWorkerStopped = simpleError("worker has already stopped and cannot be restarted")
const errNotRunning = simpleError("worker is not running")
