package procman

import (
	"context"
	"time"

	"github.com/cwsl/groundstation/internal/broadcaster"
	"github.com/cwsl/groundstation/internal/eventrouter"
)

// DemodSnapshot is one live demodulator in a runtime snapshot.
type DemodSnapshot struct {
	Session    string `json:"session"`
	VFO        uint8  `json:"vfo"`
	Modulation string `json:"modulation"`
	FreqHz     int64  `json:"freq_hz"`
	Bandwidth  uint32 `json:"bandwidth_hz"`
	Active     bool   `json:"active"`
	Selected   bool   `json:"selected"`
}

// SDRSnapshot is one device's slice of a runtime snapshot.
type SDRSnapshot struct {
	ID           string            `json:"id"`
	Driver       string            `json:"driver"`
	State        string            `json:"state"`
	CenterFreqHz float64           `json:"center_freq_hz"`
	SampleRateHz float64           `json:"sample_rate_hz"`
	Clients      []string          `json:"clients"`
	Observations []string          `json:"observations,omitempty"`
	IQStats      broadcaster.Stats `json:"iq_stats"`
	Demods       []DemodSnapshot   `json:"demodulators,omitempty"`
	Recorders    []string          `json:"recorders,omitempty"`
	Decoders     []string          `json:"decoders,omitempty"`
}

// RuntimeSnapshot is the session-runtime-snapshot payload published every
// few seconds while any client is connected.
type RuntimeSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	SDRs      []SDRSnapshot `json:"sdrs"`
}

// Snapshot builds a point-in-time view of the whole runtime table.
func (m *Manager) Snapshot() RuntimeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := RuntimeSnapshot{Timestamp: time.Now().UTC()}
	for id, rt := range m.sdrs {
		s := SDRSnapshot{
			ID:           id,
			Driver:       string(rt.cfg.Driver),
			State:        rt.worker.State().String(),
			CenterFreqHz: rt.cfg.CenterFreqHz,
			SampleRateHz: rt.cfg.SampleRateHz,
			IQStats:      rt.iq.Stats(),
		}
		for client := range rt.clients {
			s.Clients = append(s.Clients, client)
		}
		for obs := range rt.observations {
			s.Observations = append(s.Observations, obs)
		}
		for sessionID, byVFO := range rt.demods {
			for n := range byVFO {
				state, _ := m.vfos.Get(sessionID, n)
				s.Demods = append(s.Demods, DemodSnapshot{
					Session:    sessionID,
					VFO:        n,
					Modulation: string(state.Modulation),
					FreqHz:     state.CenterFreqHz,
					Bandwidth:  state.BandwidthHz,
					Active:     state.Active,
					Selected:   state.Selected,
				})
			}
		}
		for sessionID := range rt.recorders {
			s.Recorders = append(s.Recorders, SubscriberID{Kind: SubRecorder, Session: sessionID}.String())
		}
		for sessionID, byVFO := range rt.decoders {
			for n := range byVFO {
				s.Decoders = append(s.Decoders, SubscriberID{Kind: SubDecoder, Session: sessionID, VFO: n}.String())
			}
		}
		snap.SDRs = append(snap.SDRs, s)
	}
	return snap
}

// StartSnapshotLoop broadcasts a runtime snapshot every interval while any
// client is connected, until ctx is cancelled.
func (m *Manager) StartSnapshotLoop(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.opts.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.notifier.ClientCount() == 0 {
					continue
				}
				m.notifier.Broadcast(eventrouter.EventSessionRuntimeSnapshot, m.Snapshot())
			}
		}
	}()
}
