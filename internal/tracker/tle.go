// Package tracker implements the Tracker: SGP4 propagation of a satellite's
// TLE against the ground station's location to produce azimuth/elevation,
// subpoint, range and Doppler-corrected frequency; pass-window generation
// for the observation scheduler; and an antenna rotator state machine with
// a scheduled-position fallback when nothing is being tracked.
//
// Grounded on a reference Predictor/TLEStore (tiered TLE fetch fallback:
// fresh cache, network, stale cache) generalized from a one-shot
// lookahead-window pass computation into a continuously polled tracker that
// reacts to a persisted TrackingState row, and on a reference
// RotctlClient/RotatorController (rotctld TCP protocol, movement-trend
// jitter detection) for rotator control.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akhenakh/sgp4"

	"github.com/cwsl/groundstation/internal/store"
)

const tleCacheFileName = "tle_cache.txt"

// TLEStore fetches and caches TLEs for the satellites known to store.Store,
// keyed by NORAD ID, and mirrors parsed entries back into the Store so the
// rest of the pipeline (pass generation, scheduler) reads a single source
// of truth.
type TLEStore struct {
	url      string
	dataRoot string
	maxAge   time.Duration
	client   *http.Client
}

// NewTLEStore returns a store that fetches TLEs for the given catalog URL
// (e.g. a CelesTrak group listing) and caches the raw text under dataRoot.
func NewTLEStore(url, dataRoot string, refreshHours int) *TLEStore {
	return &TLEStore{
		url:      url,
		dataRoot: dataRoot,
		maxAge:   time.Duration(refreshHours) * time.Hour,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh fetches current TLE text (cache/network/stale-cache fallback),
// parses every 3-line group, and upserts a store.TLE row for every NORAD ID
// already known to st. Unknown NORAD IDs in the dump are ignored. Returns the
// count of satellites updated.
func (s *TLEStore) Refresh(st store.Store) (int, error) {
	known, err := st.ListSatellites()
	if err != nil {
		return 0, fmt.Errorf("tracker: list satellites: %w", err)
	}
	wanted := make(map[int]bool, len(known))
	for _, sat := range known {
		wanted[sat.NoradID] = true
	}

	raw, err := s.loadOrFetch()
	if err != nil {
		return 0, err
	}

	n := 0
	now := time.Now().UTC()
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := 0; i+2 < len(lines); i += 3 {
		name := strings.TrimSpace(lines[i])
		line1 := strings.TrimSpace(lines[i+1])
		line2 := strings.TrimSpace(lines[i+2])

		parsed, err := sgp4.ParseTLE(line1 + "\n" + line2)
		if err != nil {
			continue
		}
		if !wanted[parsed.SatelliteNumber] {
			continue
		}
		if err := st.PutTLE(store.TLE{
			NoradID:   parsed.SatelliteNumber,
			Name:      name,
			Line1:     line1,
			Line2:     line2,
			FetchedAt: now,
		}); err != nil {
			return n, fmt.Errorf("tracker: store TLE for %d: %w", parsed.SatelliteNumber, err)
		}
		n++
	}
	return n, nil
}

// loadOrFetch walks the fallback chain: fresh disk cache, network, stale
// disk cache.
func (s *TLEStore) loadOrFetch() (string, error) {
	cachePath := filepath.Join(s.dataRoot, tleCacheFileName)

	if info, err := os.Stat(cachePath); err == nil && time.Since(info.ModTime()) < s.maxAge {
		if b, readErr := os.ReadFile(cachePath); readErr == nil && len(b) > 0 {
			return string(b), nil
		}
	}

	body, fetchErr := s.fetchFromNetwork()
	if fetchErr == nil {
		_ = s.writeCache(cachePath, body)
		return body, nil
	}

	if b, readErr := os.ReadFile(cachePath); readErr == nil && len(b) > 0 {
		return string(b), nil
	}

	return "", fmt.Errorf("tracker: all TLE sources exhausted: %w", fetchErr)
}

func (s *TLEStore) fetchFromNetwork() (string, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tle fetch returned HTTP %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *TLEStore) writeCache(cachePath, data string) error {
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tle-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), cachePath)
}

// RunPeriodicRefresh calls Refresh on a ticker at refreshHours cadence until
// ctx is cancelled, logging failures via onErr rather than exiting (a stale
// cache is preferable to a dead tracker).
func (s *TLEStore) RunPeriodicRefresh(ctx context.Context, st store.Store, onErr func(error)) {
	if _, err := s.Refresh(st); err != nil && onErr != nil {
		onErr(err)
	}
	ticker := time.NewTicker(s.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(st); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
