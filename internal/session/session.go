// Package session implements the session registry: user sessions created on
// external connect, and internal sessions synthesized by the observation
// scheduler. Internal sessions are isolated — they never appear in user
// session listings — but otherwise use identical APIs.
package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InternalPrefix marks sessions created by the observation scheduler.
const InternalPrefix = "internal:"

// InternalID builds the id form internal:<observation-id>[:<key>].
func InternalID(observationID, key string) string {
	if key == "" {
		return InternalPrefix + observationID
	}
	return fmt.Sprintf("%s%s:%s", InternalPrefix, observationID, key)
}

// IsInternal reports whether id names an internal (observation) session.
func IsInternal(id string) bool {
	return strings.HasPrefix(id, InternalPrefix)
}

// Origin distinguishes who created a session.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginInternal Origin = "internal"
)

// bytesSample is one point in the sliding throughput window.
type bytesSample struct {
	timestamp time.Time
	bytes     uint64
}

// Session is one logical stream of interaction bound to a client or an
// observation.
type Session struct {
	ID          string
	Origin      Origin
	SDRID       string
	RigID       string
	SelectedVFO uint8
	UserAgent   string
	Client      ClientInfo
	SourceIP    string
	ClientIP    string
	Country     string
	CountryCode string
	CreatedAt   time.Time
	LastActive  time.Time
	Metadata    map[string]string

	// Cumulative activity tracking surfaced in session-runtime-snapshot
	VisitedBands map[string]bool
	VisitedModes map[string]bool

	audioBytesSent uint64
	audioSamples   []bytesSample // Sliding 1-second window for instantaneous throughput

	mu sync.RWMutex
}

// Touch updates LastActive.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

// SetSDR records which SDR this session is attached to.
func (s *Session) SetSDR(sdrID string) {
	s.mu.Lock()
	s.SDRID = sdrID
	s.mu.Unlock()
}

// SetSelectedVFO records the session's selected VFO number.
func (s *Session) SetSelectedVFO(vfo uint8) {
	s.mu.Lock()
	s.SelectedVFO = vfo
	s.mu.Unlock()
}

// MarkBand records a visited band name.
func (s *Session) MarkBand(band string) {
	if band == "" {
		return
	}
	s.mu.Lock()
	s.VisitedBands[band] = true
	s.mu.Unlock()
}

// MarkMode records a used modulation.
func (s *Session) MarkMode(mode string) {
	if mode == "" {
		return
	}
	s.mu.Lock()
	s.VisitedModes[mode] = true
	s.mu.Unlock()
}

// RecordAudioBytes adds n sent audio bytes and advances the sliding window.
func (s *Session) RecordAudioBytes(n uint64) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioBytesSent += n
	s.audioSamples = append(s.audioSamples, bytesSample{timestamp: now, bytes: n})
	cutoff := now.Add(-time.Second)
	trim := 0
	for trim < len(s.audioSamples) && s.audioSamples[trim].timestamp.Before(cutoff) {
		trim++
	}
	s.audioSamples = s.audioSamples[trim:]
}

// AudioThroughput returns the bytes sent over the last second.
func (s *Session) AudioThroughput() uint64 {
	now := time.Now()
	cutoff := now.Add(-time.Second)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, sample := range s.audioSamples {
		if !sample.timestamp.Before(cutoff) {
			total += sample.bytes
		}
	}
	return total
}

// Snapshot is the JSON shape of one session in session-runtime-snapshot.
type Snapshot struct {
	ID             string            `json:"id"`
	Origin         Origin            `json:"origin"`
	SDRID          string            `json:"sdr_id,omitempty"`
	RigID          string            `json:"rig_id,omitempty"`
	SelectedVFO    uint8             `json:"selected_vfo,omitempty"`
	Client         ClientInfo        `json:"client,omitempty"`
	Country        string            `json:"country,omitempty"`
	CountryCode    string            `json:"country_code,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActive     time.Time         `json:"last_active"`
	VisitedBands   []string          `json:"visited_bands,omitempty"`
	VisitedModes   []string          `json:"visited_modes,omitempty"`
	AudioBytesSent uint64            `json:"audio_bytes_sent"`
	AudioBytesRate uint64            `json:"audio_bytes_per_second"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Snapshot returns a point-in-time copy suitable for JSON emission.
func (s *Session) Snapshot() Snapshot {
	rate := s.AudioThroughput()
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:             s.ID,
		Origin:         s.Origin,
		SDRID:          s.SDRID,
		RigID:          s.RigID,
		SelectedVFO:    s.SelectedVFO,
		Client:         s.Client,
		Country:        s.Country,
		CountryCode:    s.CountryCode,
		CreatedAt:      s.CreatedAt,
		LastActive:     s.LastActive,
		AudioBytesSent: s.audioBytesSent,
		AudioBytesRate: rate,
		Metadata:       s.Metadata,
	}
	for band := range s.VisitedBands {
		snap.VisitedBands = append(snap.VisitedBands, band)
	}
	for mode := range s.VisitedModes {
		snap.VisitedModes = append(snap.VisitedModes, mode)
	}
	return snap
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	geoip    *GeoIP
	uaParser *uaParser
	log      *log.Logger
}

// NewManager creates a session manager. geoip may be nil (enrichment
// disabled).
func NewManager(geoip *GeoIP, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	parser, err := newUAParser()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize user-agent parser: %w", err)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		geoip:    geoip,
		uaParser: parser,
		log:      logger,
	}, nil
}

// CreateUser registers a new user session with a fresh UUID, enriched with
// GeoIP country and a parsed user-agent descriptor where available.
func (m *Manager) CreateUser(sourceIP, clientIP, userAgent string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Origin:       OriginUser,
		UserAgent:    userAgent,
		SourceIP:     sourceIP,
		ClientIP:     clientIP,
		CreatedAt:    now,
		LastActive:   now,
		Metadata:     make(map[string]string),
		VisitedBands: make(map[string]bool),
		VisitedModes: make(map[string]bool),
	}
	if userAgent != "" {
		s.Client = m.uaParser.parse(userAgent)
	}
	if m.geoip != nil && clientIP != "" {
		s.Country, s.CountryCode = m.geoip.LookupSafe(clientIP)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	total := len(m.sessions)
	m.mu.Unlock()

	m.log.Printf("session: created user session %s (client=%s country=%s, total=%d)", s.ID, s.Client.Browser, s.CountryCode, total)
	return s
}

// CreateInternal registers an internal session for an observation. key
// distinguishes multiple session plans within one observation; it may be
// empty.
func (m *Manager) CreateInternal(observationID, key string) *Session {
	now := time.Now()
	s := &Session{
		ID:           InternalID(observationID, key),
		Origin:       OriginInternal,
		CreatedAt:    now,
		LastActive:   now,
		Metadata:     map[string]string{"observation_id": observationID},
		VisitedBands: make(map[string]bool),
		VisitedModes: make(map[string]bool),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Printf("session: created internal session %s", s.ID)
	return s
}

// Get returns the session for id, if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops the session for id. Idempotent.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	remaining := len(m.sessions)
	m.mu.Unlock()
	if ok {
		m.log.Printf("session: removed %s (remaining=%d)", id, remaining)
	}
}

// ListUser returns all user-origin sessions. Internal sessions are never
// included in user-facing listings.
func (m *Manager) ListUser() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Origin == OriginUser {
			out = append(out, s)
		}
	}
	return out
}

// ListAll returns every live session, internal ones included.
func (m *Manager) ListAll() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Counts returns (user, internal) session counts.
func (m *Manager) Counts() (user, internal int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Origin == OriginInternal {
			internal++
		} else {
			user++
		}
	}
	return user, internal
}

// ReapIdle removes user sessions idle longer than timeout and returns the
// ids removed. Internal sessions are torn down by the scheduler's stop
// jobs, never by the idle reaper.
func (m *Manager) ReapIdle(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var reaped []string
	for id, s := range m.sessions {
		if s.Origin != OriginUser {
			continue
		}
		s.mu.RLock()
		idle := s.LastActive.Before(cutoff)
		s.mu.RUnlock()
		if idle {
			delete(m.sessions, id)
			reaped = append(reaped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reaped {
		m.log.Printf("session: reaped idle session %s", id)
	}
	return reaped
}
