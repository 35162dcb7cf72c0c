package sdrworker

import (
	"io"

	"github.com/cwsl/groundstation/internal/ferr"
)

// hardwareStubDriver represents rtlsdr/soapy-local: locally attached
// hardware backends with no Go binding available. Open fails fast with a
// Configuration error, so a worker configured for real hardware on a build
// without that hardware's library fails loudly instead of silently
// no-op-ing.
type hardwareStubDriver struct {
	kind DriverKind
}

func newHardwareStubDriver(kind DriverKind) *hardwareStubDriver {
	return &hardwareStubDriver{kind: kind}
}

func (d *hardwareStubDriver) Open(cfg Config) error {
	return ferr.NewConfiguration("sdr_open", errUnsupportedDriver(d.kind))
}

func (d *hardwareStubDriver) ReadChunk() ([]complex64, error) { return nil, io.EOF }
func (d *hardwareStubDriver) Retune(float64) error             { return nil }
func (d *hardwareStubDriver) SetSampleRate(float64) error      { return nil }
func (d *hardwareStubDriver) SetGain(float64) error            { return nil }
func (d *hardwareStubDriver) SetAGC(bool) error                { return nil }
func (d *hardwareStubDriver) SetAntenna(string) error          { return nil }
func (d *hardwareStubDriver) Close() error                     { return nil }

type unsupportedDriverError DriverKind

func (e unsupportedDriverError) Error() string {
	return "driver " + string(e) + " has no available backend in this build"
}

func errUnsupportedDriver(kind DriverKind) error {
	return unsupportedDriverError(kind)
}
