// Package sdrworker implements the SDR Worker: one goroutine per device
// reading fixed-size chunks and publishing them to an IQ broadcaster, with
// a state machine governing start/stop/retune/reconfigure.
//
// Grounded on the dedicated-reader-goroutine-plus-control-channel idiom
// used elsewhere in this codebase (the reference backend consumes RTP
// multicast from an external SDR daemon rather than owning a device
// directly, so the device-level state machine here follows the same
// concurrency idiom applied to a directly-owned device).
package sdrworker

import (
	"github.com/cwsl/groundstation/internal/ferr"
)

// DriverKind enumerates the supported SDR backends.
type DriverKind string

const (
	DriverRTLSDR        DriverKind = "rtlsdr"
	DriverSoapyLocal    DriverKind = "soapy-local"
	DriverSoapyRemote   DriverKind = "soapy-remote"
	DriverSigMFPlayback DriverKind = "sigmf-playback"
)

// Config is the SDR Worker configuration.
type Config struct {
	SDRID      string
	Driver     DriverKind
	Host       string
	Port       int
	Serial     string
	Antenna    string

	CenterFreqHz float64
	SampleRateHz float64
	GainDb       float64
	AGC          bool
	BiasT        bool
	PPMError     float64

	FFTHintSize int

	RecordingPath string // sigmf-playback
	LoopPlayback  bool   // sigmf-playback
	OffsetFreqHz  float64
}

// chunkSize returns the configured read chunk size, defaulting to a
// sensible size when fft-hint-size wasn't set.
func (c Config) chunkSize() int {
	if c.FFTHintSize > 0 {
		return c.FFTHintSize * 4
	}
	return 32768
}

// Driver abstracts one physical or virtual SDR device, implementing start,
// stop, retune, set_gain, set_sample_rate, set_agc, and set_antenna.
type Driver interface {
	// Open prepares the device for reading at the configured frequency,
	// sample rate, and gain.
	Open(cfg Config) error

	// ReadChunk blocks until a full chunk of IQ samples is available (the
	// only suspension point) and returns it. Returns io.EOF for playback
	// drivers that have exhausted their source.
	ReadChunk() ([]complex64, error)

	Retune(centerFreqHz float64) error
	SetSampleRate(sampleRateHz float64) error
	SetGain(gainDb float64) error
	SetAGC(enabled bool) error
	SetAntenna(antenna string) error

	Close() error
}

// NewDriver constructs the Driver for cfg.Driver. soapy-remote talks to a
// SoapySDR network server (TCP control + UDP multicast data); rtlsdr and
// soapy-local have no Go binding available without the vendor's cgo
// bindings, so they resolve to a stub that fails fast with a Configuration
// error on Open ("missing hardware -> fail fast") rather than fabricating
// an unverified dependency.
func NewDriver(kind DriverKind) (Driver, error) {
	switch kind {
	case DriverSigMFPlayback:
		return newSigMFDriver(), nil
	case DriverSoapyRemote:
		return newSoapyRemoteDriver(), nil
	case DriverRTLSDR, DriverSoapyLocal:
		return newHardwareStubDriver(kind), nil
	default:
		return nil, ferr.Configurationf("sdrworker", "unknown driver %q", kind)
	}
}
