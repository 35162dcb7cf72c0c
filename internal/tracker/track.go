package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/akhenakh/sgp4"

	"github.com/cwsl/groundstation/internal/store"
)

// speedOfLightKmS is used for the classical Doppler-shift formula.
const speedOfLightKmS = 299792.458

// Location is the ground station's geodetic position.
type Location struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// Fix is one instant's az/el/range/subpoint/Doppler result for a satellite.
type Fix struct {
	At             time.Time
	AzimuthDeg     float64
	ElevationDeg   float64
	RangeKm        float64
	RangeRateKmS   float64
	SubLatDeg      float64
	SubLonDeg      float64
	ObservedFreqHz float64
}

// Propagate computes az/el/range/subpoint/Doppler for tle observed from loc
// at time at, for a transmitter operating at transmittedFreqHz (0 to skip
// the Doppler calculation).
func Propagate(tle *sgp4.TLE, loc Location, at time.Time, transmittedFreqHz float64) (Fix, error) {
	eci, err := tle.FindPositionAtTime(at)
	if err != nil {
		return Fix{}, fmt.Errorf("tracker: find position: %w", err)
	}
	sv := &sgp4.StateVector{
		X: eci.Position.X, Y: eci.Position.Y, Z: eci.Position.Z,
		VX: eci.Velocity.X, VY: eci.Velocity.Y, VZ: eci.Velocity.Z,
	}

	obs, err := sv.GetLookAngle(&sgp4.Location{Latitude: loc.LatDeg, Longitude: loc.LonDeg, Altitude: loc.AltM}, at)
	if err != nil {
		return Fix{}, fmt.Errorf("tracker: look angle: %w", err)
	}

	fix := Fix{
		At:           at,
		AzimuthDeg:   obs.LookAngles.Azimuth,
		ElevationDeg: obs.LookAngles.Elevation,
		RangeKm:      obs.LookAngles.Range,
		RangeRateKmS: obs.LookAngles.RangeRate,
		SubLatDeg:    obs.SatellitePos.Latitude,
		SubLonDeg:    obs.SatellitePos.Longitude,
	}
	if transmittedFreqHz > 0 {
		fix.ObservedFreqHz = transmittedFreqHz * (1.0 - fix.RangeRateKmS/speedOfLightKmS)
	}
	return fix, nil
}

// RigUpdate is what Tracker publishes when it wants the VFO/Session Manager
// to apply a Doppler-corrected frequency, matching apply_tracking_update's
// parameters.
type RigUpdate struct {
	GroupID          string
	VFONumber        uint8
	RigFreqHz        int64
	Modulation       string
	EnteringTracking bool
}

// Tracker polls a single TrackingState row and, while its rig_state is
// tracking or tuning, propagates the referenced satellite's TLE and pushes
// Doppler-corrected frequency updates. One Tracker instance per tracked
// group_id; a ground station with several independent rig+rotator pairs
// runs one Tracker each.
type Tracker struct {
	st       store.Store
	loc      Location
	groupID  string
	interval time.Duration

	onRigUpdate func(RigUpdate)
	onFix       func(store.TrackingState)
}

// New creates a Tracker for groupID, polling st's TrackingState row every
// interval (typically a few seconds).
func New(st store.Store, loc Location, groupID string, interval time.Duration, onRigUpdate func(RigUpdate), onFix func(store.TrackingState)) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{st: st, loc: loc, groupID: groupID, interval: interval, onRigUpdate: onRigUpdate, onFix: onFix}
}

// Run polls until ctx is cancelled. Each tick: read the TrackingState row;
// if rig_state is disconnected or connected (not tuning/tracking), do
// nothing. Otherwise fetch the TLE and transmitter, propagate, persist the
// fix back onto the row, and invoke onRigUpdate so the VFO Manager can apply
// it (RigState==tracking sets EnteringTracking once, on the transition).
func (tr *Tracker) Run(ctx context.Context, onErr func(error)) {
	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()

	wasTracking := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowTracking, err := tr.tick(wasTracking)
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			wasTracking = nowTracking
		}
	}
}

func (tr *Tracker) tick(wasTracking bool) (nowTracking bool, err error) {
	ts, err := tr.st.GetTrackingState(tr.groupID)
	if err != nil {
		return false, fmt.Errorf("tracker: get tracking state: %w", err)
	}

	tracking := ts.RigState == store.RigTracking || ts.RigState == store.RigTuning
	if !tracking {
		return false, nil
	}

	tleRow, err := tr.st.GetTLE(ts.NoradID)
	if err != nil {
		return false, fmt.Errorf("tracker: get TLE for %d: %w", ts.NoradID, err)
	}
	parsed, err := parseTLE(tleRow)
	if err != nil {
		return false, err
	}

	var txFreq float64
	if ts.TransmitterID != "" {
		tx, err := tr.st.GetTransmitter(ts.TransmitterID)
		if err == nil {
			txFreq = tx.FrequencyHz
		}
	}

	fix, err := Propagate(parsed, tr.loc, time.Now().UTC(), txFreq)
	if err != nil {
		return false, err
	}

	ts.AzimuthDeg = fix.AzimuthDeg
	ts.ElevationDeg = fix.ElevationDeg
	ts.RangeKm = fix.RangeKm
	ts.RangeRateKmS = fix.RangeRateKmS
	ts.SubLatDeg = fix.SubLatDeg
	ts.SubLonDeg = fix.SubLonDeg
	ts.ObservedFreqHz = fix.ObservedFreqHz
	ts.UpdatedAt = fix.At
	if err := tr.st.PutTrackingState(ts); err != nil {
		return false, fmt.Errorf("tracker: put tracking state: %w", err)
	}

	if tr.onFix != nil {
		tr.onFix(ts)
	}

	enteringTracking := ts.RigState == store.RigTracking && !wasTracking
	if tr.onRigUpdate != nil && fix.ObservedFreqHz > 0 {
		tr.onRigUpdate(RigUpdate{
			GroupID:          tr.groupID,
			VFONumber:        ts.RigVFO,
			RigFreqHz:        int64(fix.ObservedFreqHz),
			Modulation:       "", // resolved by the caller from the transmitter's own modulation field
			EnteringTracking: enteringTracking,
		})
	}

	return ts.RigState == store.RigTracking, nil
}

func parseTLE(row store.TLE) (*sgp4.TLE, error) {
	parsed, err := sgp4.ParseTLE(row.Line1 + "\n" + row.Line2)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse cached TLE for %d: %w", row.NoradID, err)
	}
	return parsed, nil
}
