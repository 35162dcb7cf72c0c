package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreTLERoundTrip(t *testing.T) {
	m := NewMemStore()

	_, err := m.GetTLE(25338)
	assert.ErrorIs(t, err, ErrNotFound)

	want := TLE{NoradID: 25338, Name: "NOAA 15", Line1: "1 ...", Line2: "2 ...", FetchedAt: time.Now()}
	require.NoError(t, m.PutTLE(want))

	got, err := m.GetTLE(25338)
	require.NoError(t, err)
	assert.Equal(t, want.Line1, got.Line1)
}

func TestMemStoreSeedSatelliteAndTransmitters(t *testing.T) {
	m := NewMemStore()
	m.SeedSatellite(
		Satellite{NoradID: 25338, Name: "NOAA 15"},
		Transmitter{ID: "noaa15-apt", NoradID: 25338, FrequencyHz: 137_620_000, Modulation: "FM"},
	)

	sats, err := m.ListSatellites()
	require.NoError(t, err)
	assert.Len(t, sats, 1)

	txs, err := m.ListTransmittersForSatellite(25338)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "noaa15-apt", txs[0].ID)

	_, err = m.ListTransmittersForSatellite(99999)
	require.NoError(t, err)
}

func TestMemStoreTrackingStatePersistsSingleRowPerGroup(t *testing.T) {
	m := NewMemStore()

	_, err := m.GetTrackingState("g1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.PutTrackingState(TrackingState{GroupID: "g1", NoradID: 25338, RigState: RigTracking}))
	require.NoError(t, m.PutTrackingState(TrackingState{GroupID: "g1", NoradID: 25338, RigState: RigTuning}))

	got, err := m.GetTrackingState("g1")
	require.NoError(t, err)
	assert.Equal(t, RigTuning, got.RigState)
}

func TestMemStoreScheduledObservationRoundTrip(t *testing.T) {
	m := NewMemStore()
	obs := ScheduledObservation{ID: "obs-1", NoradID: 25338, Status: ObsScheduled}
	require.NoError(t, m.PutScheduledObservation(obs))

	got, err := m.GetScheduledObservation("obs-1")
	require.NoError(t, err)
	assert.Equal(t, ObsScheduled, got.Status)

	all, err := m.ListScheduledObservations()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
