package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cwsl/groundstation/internal/audio"
	"github.com/cwsl/groundstation/internal/vfo"
)

// AudioSidecarStatus mirrors the `status` field of the audio recording
// sidecar.
type AudioSidecarStatus string

const (
	AudioStatusRecording AudioSidecarStatus = "recording"
	AudioStatusComplete  AudioSidecarStatus = "complete"
	AudioStatusError     AudioSidecarStatus = "error"
)

// AudioSidecar is the JSON sidecar accompanying every audio recording.
type AudioSidecar struct {
	Status               AudioSidecarStatus `json:"status"`
	Format               string             `json:"format"`
	SampleRate           int                `json:"sample_rate"`
	Channels             int                `json:"channels"`
	BitDepth             int                `json:"bit_depth"`
	VFONumber            uint8              `json:"vfo_number"`
	DemodulatorType      string             `json:"demodulator_type"`
	CenterFrequency      float64            `json:"center_frequency"`
	VFOFrequency         int64              `json:"vfo_frequency"`
	StartTime            time.Time          `json:"start_time"`
	EndTime              *time.Time         `json:"end_time,omitempty"`
	DurationSeconds      float64            `json:"duration_seconds"`
	TotalSamples         int64              `json:"total_samples"`
	SessionID            string             `json:"session_id"`
	TargetSatelliteNorad *int               `json:"target_satellite_norad_id,omitempty"`
	TargetSatelliteName  *string            `json:"target_satellite_name,omitempty"`
}

// AudioRecorder is a subscriber on an Audio Broadcaster that streams one
// VFO's demodulated audio to a WAV file plus its JSON sidecar.
type AudioRecorder struct {
	wavPath     string
	sidecarPath string
	wav         *wavWriter
	sidecar     AudioSidecar
	centerFreq  float64
}

// NewAudioRecorder creates the WAV file (sample_rate=44100, as produced by
// the Demodulator) and writes an initial "recording" sidecar.
func NewAudioRecorder(wavPath string, channels int, vfoNumber uint8, demodType string, centerFreqHz float64, vfoFreqHz int64, sessionID string) (*AudioRecorder, error) {
	w, err := newWAVWriter(wavPath, 44100, channels)
	if err != nil {
		return nil, err
	}
	r := &AudioRecorder{
		wavPath:     wavPath,
		sidecarPath: wavPath + ".json",
		wav:         w,
		centerFreq:  centerFreqHz,
		sidecar: AudioSidecar{
			Status:          AudioStatusRecording,
			Format:          "wav",
			SampleRate:      44100,
			Channels:        channels,
			BitDepth:        16,
			VFONumber:       vfoNumber,
			DemodulatorType: demodType,
			CenterFrequency: centerFreqHz,
			VFOFrequency:    vfoFreqHz,
			SessionID:       sessionID,
			StartTime:       time.Now().UTC(),
		},
	}
	if err := r.writeSidecar(); err != nil {
		w.Close()
		return nil, err
	}
	return r, nil
}

// SetTargetSatellite annotates the recording with the satellite it was
// taken for, for scheduler-driven recordings.
func (r *AudioRecorder) SetTargetSatellite(noradID int, name string) {
	r.sidecar.TargetSatelliteNorad = &noradID
	r.sidecar.TargetSatelliteName = &name
}

// Write appends one chunk of demodulated audio.
func (r *AudioRecorder) Write(msg audio.Message) error {
	return r.wav.WriteSamples(msg.Samples)
}

// WriteSnapshot is a convenience for callers that only have a VFO snapshot
// handy at close time (e.g. to refresh vfo_frequency before finalizing).
func (r *AudioRecorder) WriteSnapshot(s vfo.State) {
	r.sidecar.VFOFrequency = s.CenterFreqHz
}

// Close finalizes the WAV header and rewrites the sidecar with final
// status/duration/total_samples.
func (r *AudioRecorder) Close(status AudioSidecarStatus) error {
	totalSamples := r.wav.TotalSamples()
	if err := r.wav.Close(); err != nil {
		return err
	}

	end := time.Now().UTC()
	r.sidecar.Status = status
	r.sidecar.EndTime = &end
	r.sidecar.TotalSamples = totalSamples
	frames := totalSamples / int64(r.sidecar.Channels)
	r.sidecar.DurationSeconds = float64(frames) / float64(r.sidecar.SampleRate)

	return r.writeSidecar()
}

func (r *AudioRecorder) writeSidecar() error {
	b, err := json.MarshalIndent(r.sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal audio sidecar: %w", err)
	}
	return os.WriteFile(r.sidecarPath, b, 0o644)
}
