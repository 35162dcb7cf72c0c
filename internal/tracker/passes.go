package tracker

import (
	"fmt"
	"sort"
	"time"

	"github.com/cwsl/groundstation/internal/store"
)

// Pass describes one predicted overhead transit, from acquisition of signal
// through loss of signal.
type Pass struct {
	NoradID     int
	AOS         time.Time
	LOS         time.Time
	MaxElevDeg  float64
	MaxElevTime time.Time
	AOSAzimuth  float64
	LOSAzimuth  float64
	Duration    time.Duration
}

// ComputePasses returns every pass for the satellites known to st, within
// [now, now+lookahead], with MaxElevDeg >= minElevationDeg, sorted by AOS
// ascending. Satellites with no cached TLE are skipped (logged by the
// caller via onSkip, not treated as fatal for the whole batch).
func ComputePasses(st store.Store, loc Location, lookahead time.Duration, minElevationDeg float64, onSkip func(noradID int, reason string)) ([]Pass, error) {
	sats, err := st.ListSatellites()
	if err != nil {
		return nil, fmt.Errorf("tracker: list satellites: %w", err)
	}

	now := time.Now().UTC()
	end := now.Add(lookahead)

	var all []Pass
	for _, sat := range sats {
		tleRow, err := st.GetTLE(sat.NoradID)
		if err != nil {
			if onSkip != nil {
				onSkip(sat.NoradID, "no cached TLE")
			}
			continue
		}
		parsed, err := parseTLE(tleRow)
		if err != nil {
			if onSkip != nil {
				onSkip(sat.NoradID, err.Error())
			}
			continue
		}

		raw, err := parsed.GeneratePasses(loc.LatDeg, loc.LonDeg, loc.AltM, now, end, 1)
		if err != nil {
			if onSkip != nil {
				onSkip(sat.NoradID, err.Error())
			}
			continue
		}

		for _, rp := range raw {
			if rp.MaxElevation < minElevationDeg {
				continue
			}
			all = append(all, Pass{
				NoradID:     sat.NoradID,
				AOS:         rp.AOS,
				LOS:         rp.LOS,
				MaxElevDeg:  rp.MaxElevation,
				MaxElevTime: rp.MaxElevationTime,
				AOSAzimuth:  rp.AOSAzimuth,
				LOSAzimuth:  rp.LOSAzimuth,
				Duration:    rp.Duration,
			})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].AOS.Before(all[j].AOS) })
	return all, nil
}
