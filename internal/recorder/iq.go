package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/cwsl/groundstation/internal/iq"
)

// sigMFCapture mirrors one `captures[]` entry of the IQ recording sidecar.
type sigMFCapture struct {
	SampleStart uint64    `json:"core:sample_start"`
	Frequency   float64   `json:"core:frequency"`
	Datetime    time.Time `json:"core:datetime"`
}

// sigMFAnnotation records a post-recording transform, e.g. a frequency
// shift applied after the fact.
type sigMFAnnotation struct {
	SampleStart    uint64  `json:"core:sample_start"`
	SampleCount    uint64  `json:"core:sample_count"`
	Comment        string  `json:"core:comment"`
	FrequencyShift float64 `json:"cwsl:frequency_shift_hz,omitempty"`
}

type sigMFGlobal struct {
	Datatype   string  `json:"core:datatype"`
	SampleRate float64 `json:"core:sample_rate"`
	Version    string  `json:"core:version"`
}

type sigMFSidecar struct {
	Global      sigMFGlobal       `json:"global"`
	Captures    []sigMFCapture    `json:"captures"`
	Annotations []sigMFAnnotation `json:"annotations,omitempty"`
}

// IQRecorder is a subscriber on an IQ Broadcaster that streams raw cf32_le
// samples to disk with a SigMF-style sidecar. Symmetric with sdrworker's
// sigMFDriver, which reads this exact format back for playback.
type IQRecorder struct {
	dataPath    string
	sidecarPath string
	file        *os.File
	sidecar     sigMFSidecar
	sampleCount uint64
}

// NewIQRecorder creates the .sigmf-data file and begins the sidecar, with
// one initial capture at (sampleStart=0, centerFreqHz, now).
func NewIQRecorder(dataPath string, sampleRateHz, centerFreqHz float64) (*IQRecorder, error) {
	f, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("recorder: create iq file: %w", err)
	}
	r := &IQRecorder{
		dataPath:    dataPath,
		sidecarPath: strings.TrimSuffix(dataPath, ".sigmf-data") + ".sigmf-meta",
		file:        f,
		sidecar: sigMFSidecar{
			Global: sigMFGlobal{Datatype: "cf32_le", SampleRate: sampleRateHz, Version: "1.0.0"},
			Captures: []sigMFCapture{
				{SampleStart: 0, Frequency: centerFreqHz, Datetime: time.Now().UTC()},
			},
		},
	}
	return r, nil
}

// Write appends one IQ message's samples, starting a new capture entry if
// the center frequency changed since the last write (a retune mid-
// recording).
func (r *IQRecorder) Write(msg iq.Message) error {
	if msg.Buf == nil {
		return nil
	}
	samples := msg.Buf.Samples()

	last := &r.sidecar.Captures[len(r.sidecar.Captures)-1]
	if msg.CenterFreqHz != last.Frequency {
		r.sidecar.Captures = append(r.sidecar.Captures, sigMFCapture{
			SampleStart: r.sampleCount,
			Frequency:   msg.CenterFreqHz,
			Datetime:    time.Now().UTC(),
		})
	}

	buf := make([]byte, len(samples)*8)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(imag(s)))
	}
	if _, err := r.file.Write(buf); err != nil {
		return fmt.Errorf("recorder: write iq samples: %w", err)
	}
	r.sampleCount += uint64(len(samples))
	return nil
}

// Annotate records a post-recording transform, e.g. a frequency shift
// applied after the fact.
func (r *IQRecorder) Annotate(sampleStart, sampleCount uint64, comment string, frequencyShiftHz float64) {
	r.sidecar.Annotations = append(r.sidecar.Annotations, sigMFAnnotation{
		SampleStart:    sampleStart,
		SampleCount:    sampleCount,
		Comment:        comment,
		FrequencyShift: frequencyShiftHz,
	})
}

// TotalSamples returns the sample count written so far.
func (r *IQRecorder) TotalSamples() uint64 { return r.sampleCount }

// Close finalizes the sidecar and closes the data file.
func (r *IQRecorder) Close() error {
	b, err := json.MarshalIndent(r.sidecar, "", "  ")
	if err != nil {
		r.file.Close()
		return fmt.Errorf("recorder: marshal iq sidecar: %w", err)
	}
	if err := os.WriteFile(r.sidecarPath, b, 0o644); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
