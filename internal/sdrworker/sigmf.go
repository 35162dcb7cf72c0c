package sdrworker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/cwsl/groundstation/internal/ferr"
)

// sigmfMeta mirrors the subset of the SigMF `.sigmf-meta` schema used here:
// datatype, sample_rate, and per-capture frequency/datetime.
type sigmfMeta struct {
	Global struct {
		Datatype   string  `json:"core:datatype"`
		SampleRate float64 `json:"core:sample_rate"`
	} `json:"global"`
	Captures []struct {
		SampleStart uint64  `json:"core:sample_start"`
		Frequency   float64 `json:"core:frequency"`
		Datetime    string  `json:"core:datetime"`
	} `json:"captures"`
}

// sigMFDriver reads a .sigmf-data file paced to its metadata's sample_rate.
// Grounded on the reference backend's recording format (same cf32_le +
// sidecar shape as the IQ Recorder writes), since the base pipeline only
// ever consumes live samples and has no file-playback source of its own.
type sigMFDriver struct {
	cfg   Config
	meta  sigmfMeta
	file  *os.File
	r     *bufio.Reader
	start time.Time
	read  uint64

	captureIdx int
	looped     bool
}

// TakeLooped reports whether playback rewound since the last call, and
// clears the flag. The worker publishes a reset_averager tag on each loop
// boundary so downstream averagers discard history.
func (d *sigMFDriver) TakeLooped() bool {
	l := d.looped
	d.looped = false
	return l
}

func newSigMFDriver() *sigMFDriver {
	return &sigMFDriver{}
}

func metaPath(dataPath string) string {
	if strings.HasSuffix(dataPath, ".sigmf-data") {
		return strings.TrimSuffix(dataPath, ".sigmf-data") + ".sigmf-meta"
	}
	return dataPath + ".sigmf-meta"
}

func (d *sigMFDriver) Open(cfg Config) error {
	d.cfg = cfg
	if cfg.RecordingPath == "" {
		return ferr.NewConfiguration("sigmf_open", errMissingRecordingPath)
	}

	metaBytes, err := os.ReadFile(metaPath(cfg.RecordingPath))
	if err != nil {
		return ferr.NewConfiguration("sigmf_open", err)
	}
	if err := json.Unmarshal(metaBytes, &d.meta); err != nil {
		return ferr.NewConfiguration("sigmf_open", err)
	}
	if d.meta.Global.Datatype != "cf32_le" {
		return ferr.Configurationf("sigmf_open", "unsupported datatype %q, only cf32_le is supported", d.meta.Global.Datatype)
	}

	f, err := os.Open(cfg.RecordingPath)
	if err != nil {
		return ferr.NewConfiguration("sigmf_open", err)
	}
	d.file = f
	d.r = bufio.NewReaderSize(f, 1<<20)
	d.start = time.Now()
	d.read = 0
	d.captureIdx = 0

	d.cfg.SampleRateHz = d.meta.Global.SampleRate
	if len(d.meta.Captures) > 0 {
		d.cfg.CenterFreqHz = d.meta.Captures[0].Frequency
	}
	return nil
}

// ReadChunk reads the next cfg.chunkSize() samples, advancing the current
// capture's frequency as sample_start boundaries are crossed, and paces
// itself to real time at sample_rate so playback doesn't outrun a live
// pipeline. On EOF it either rewinds (loop_playback) or returns io.EOF.
func (d *sigMFDriver) ReadChunk() ([]complex64, error) {
	n := d.cfg.chunkSize()
	out := make([]complex64, 0, n)
	buf := make([]byte, 8)

	for len(out) < n {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if d.cfg.LoopPlayback {
					if _, serr := d.file.Seek(0, io.SeekStart); serr != nil {
						return nil, ferr.NewFatal("sigmf_read", serr)
					}
					d.r.Reset(d.file)
					d.read = 0
					d.captureIdx = 0
					d.looped = true
					continue
				}
				if len(out) == 0 {
					return nil, io.EOF
				}
				return out, nil
			}
			return nil, ferr.NewTransient("sigmf_read", err)
		}
		re := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
		out = append(out, complex(re, im))
		d.read++
		d.advanceCapture()
	}

	elapsed := time.Since(d.start)
	wantElapsed := time.Duration(float64(d.read) / d.cfg.SampleRateHz * float64(time.Second))
	if wantElapsed > elapsed {
		time.Sleep(wantElapsed - elapsed)
	}
	return out, nil
}

func (d *sigMFDriver) advanceCapture() {
	if d.captureIdx+1 >= len(d.meta.Captures) {
		return
	}
	next := d.meta.Captures[d.captureIdx+1]
	if d.read >= next.SampleStart {
		d.captureIdx++
		d.cfg.CenterFreqHz = next.Frequency
	}
}

func (d *sigMFDriver) Retune(centerFreqHz float64) error {
	d.cfg.CenterFreqHz = centerFreqHz
	return nil
}

func (d *sigMFDriver) SetSampleRate(sampleRateHz float64) error {
	return ferr.NewConfiguration("sigmf_set_sample_rate", errPlaybackRateFixed)
}

func (d *sigMFDriver) SetGain(float64) error   { return nil }
func (d *sigMFDriver) SetAGC(bool) error       { return nil }
func (d *sigMFDriver) SetAntenna(string) error { return nil }

func (d *sigMFDriver) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

const errMissingRecordingPath = simpleError("sigmf-playback requires recording_path")
const errPlaybackRateFixed = simpleError("sample rate is fixed by the sigmf-meta sidecar for playback sources")
