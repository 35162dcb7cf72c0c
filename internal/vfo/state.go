// Package vfo implements the VFO / Session Manager: per (session, VFO)
// receiver state, the selection invariants, and the volume/mute logic
// applied to demodulated audio before it reaches a client.
//
// Grounded on a reference VFOManager implementation (a process-wide
// singleton keyed only by vfo_id), generalized into an explicit,
// dependency-injected, strongly typed `Map<(SessionId, VfoNumber), *State>`
// with no legacy fallback.
package vfo

import (
	"sync"
)

// Modulation enumerates the demodulation modes a VFO can run.
type Modulation string

const (
	ModFM  Modulation = "FM"
	ModWFM Modulation = "WFM"
	ModAM  Modulation = "AM"
	ModUSB Modulation = "USB"
	ModLSB Modulation = "LSB"
	ModCW  Modulation = "CW"
)

// State is one VFO's receiver configuration and activity flags. Readers
// only ever see snapshots (by value); the manager holds write authority.
type State struct {
	VFONumber     uint8
	CenterFreqHz  int64
	BandwidthHz   uint32
	Modulation    Modulation
	Active        bool
	Selected      bool
	Volume        uint8 // 0..100
	Squelch       int16
}

// key identifies one (session, VFO) slot.
type key struct {
	session string
	vfo     uint8
}

// Manager owns every session's VFO states and enforces: at most one
// selected VFO per session; selecting implies active.
type Manager struct {
	mu     sync.RWMutex
	states map[key]*State
	vfos   map[string]map[uint8]struct{} // session -> set of vfo numbers known to exist, for iteration
}

// NewManager creates an empty VFO/session manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[key]*State),
		vfos:   make(map[string]map[uint8]struct{}),
	}
}

// ensure returns the State for (session, vfoNumber), creating a zero-value
// one (inactive, unselected, AM, volume 0) if it doesn't exist yet. Caller
// must hold m.mu for writing.
func (m *Manager) ensure(session string, vfoNumber uint8) *State {
	k := key{session, vfoNumber}
	s, ok := m.states[k]
	if !ok {
		s = &State{VFONumber: vfoNumber, Modulation: ModAM}
		m.states[k] = s
		if m.vfos[session] == nil {
			m.vfos[session] = make(map[uint8]struct{})
		}
		m.vfos[session][vfoNumber] = struct{}{}
	}
	return s
}

// Get returns a snapshot of (session, vfoNumber)'s state, and whether it
// exists yet.
func (m *Manager) Get(session string, vfoNumber uint8) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key{session, vfoNumber}]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// GetSelected returns the currently selected VFO for session, if any.
func (m *Manager) GetSelected(session string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for vfoNumber := range m.vfos[session] {
		s := m.states[key{session, vfoNumber}]
		if s.Selected {
			return *s, true
		}
	}
	return State{}, false
}

// Fields is a partial update for Set; nil/zero-value fields are left
// unchanged except where noted.
type Fields struct {
	CenterFreqHz *int64
	BandwidthHz  *uint32
	Modulation   *Modulation
	Active       *bool
	Selected     *bool
	Volume       *uint8
	Squelch      *int16
}

// Set applies a partial update to (session, vfoNumber), enforcing:
//   - selecting (Selected=true) implies Active=true
//   - selecting this VFO deselects every other VFO in the same session
func (m *Manager) Set(session string, vfoNumber uint8, f Fields) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensure(session, vfoNumber)

	if f.CenterFreqHz != nil {
		s.CenterFreqHz = *f.CenterFreqHz
	}
	if f.BandwidthHz != nil {
		s.BandwidthHz = *f.BandwidthHz
	}
	if f.Modulation != nil {
		s.Modulation = *f.Modulation
	}
	if f.Volume != nil {
		s.Volume = *f.Volume
	}
	if f.Squelch != nil {
		s.Squelch = *f.Squelch
	}
	if f.Active != nil {
		s.Active = *f.Active
	}
	if f.Selected != nil {
		if *f.Selected {
			s.Active = true
			for other := range m.vfos[session] {
				if other == vfoNumber {
					continue
				}
				m.states[key{session, other}].Selected = false
			}
		}
		s.Selected = *f.Selected
	}

	return *s
}

// ApplyTrackingUpdate applies a Doppler-corrected rig frequency and mode
// published by the tracker: this applies the mode-specific
// center offset (USB/CW: +bandwidth/2, LSB: -bandwidth/2, others: 0) and
// only activates the VFO when entering rig_state=tracking — otherwise only
// frequency/modulation are updated, leaving the user's active state alone.
func (m *Manager) ApplyTrackingUpdate(session string, vfoNumber uint8, rigFreqHz int64, mode Modulation, enteringTracking bool) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensure(session, vfoNumber)

	var offset int64
	switch mode {
	case ModUSB, ModCW:
		offset = int64(s.BandwidthHz) / 2
	case ModLSB:
		offset = -int64(s.BandwidthHz) / 2
	}

	s.CenterFreqHz = rigFreqHz + offset
	s.Modulation = mode
	if enteringTracking {
		s.Active = true
	}

	return *s
}

// RemoveSession drops every VFO state for session (called when a session is
// destroyed).
func (m *Manager) RemoveSession(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for vfoNumber := range m.vfos[session] {
		delete(m.states, key{session, vfoNumber})
	}
	delete(m.vfos, session)
}

// ShouldEmit reports whether a demodulated audio chunk for this VFO should
// be emitted at all, and whether it must be replaced with silence.
//
//	active                    -> emit, not silenced
//	selected && !active       -> emit silence (keeps timing for the client)
//	!selected && !active      -> suppress entirely
func ShouldEmit(s State) (emit bool, silence bool) {
	if s.Active {
		return true, false
	}
	if s.Selected {
		return true, true
	}
	return false, false
}
