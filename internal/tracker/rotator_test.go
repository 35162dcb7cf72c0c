package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAngularDeltaHandlesWrapAround(t *testing.T) {
	assert.InDelta(t, 2.0, angularDelta(359, 1), 0.001)
	assert.InDelta(t, 2.0, angularDelta(1, 359), 0.001)
	assert.InDelta(t, 10.0, angularDelta(100, 110), 0.001)
}

func TestRotatorControllerIsRealMovementRequiresEnoughSamplesAndTime(t *testing.T) {
	rc := NewRotatorController("localhost", 4533, nil)
	rc.target = &RotatorPosition{AzimuthDeg: 180, ElevationDeg: 45}

	assert.False(t, rc.isRealMovement(), "fewer than minSamplesForTrend samples must not count as movement")

	base := time.Now()
	rc.history = []positionSample{
		{position: RotatorPosition{AzimuthDeg: 100, ElevationDeg: 10}, timestamp: base},
		{position: RotatorPosition{AzimuthDeg: 100, ElevationDeg: 10}, timestamp: base.Add(500 * time.Millisecond)},
		{position: RotatorPosition{AzimuthDeg: 100, ElevationDeg: 10}, timestamp: base.Add(900 * time.Millisecond)},
	}
	assert.False(t, rc.isRealMovement(), "samples spanning under 1s must not count as movement")

	rc.history = []positionSample{
		{position: RotatorPosition{AzimuthDeg: 100, ElevationDeg: 10}, timestamp: base},
		{position: RotatorPosition{AzimuthDeg: 108, ElevationDeg: 10}, timestamp: base.Add(2 * time.Second)},
		{position: RotatorPosition{AzimuthDeg: 115, ElevationDeg: 10}, timestamp: base.Add(4 * time.Second)},
	}
	assert.True(t, rc.isRealMovement(), "a consistent 15 deg net azimuth change over 4s is real movement")
}

func TestRotatorControllerJitterIsNotMovement(t *testing.T) {
	rc := NewRotatorController("localhost", 4533, nil)
	rc.target = &RotatorPosition{AzimuthDeg: 180, ElevationDeg: 45}

	base := time.Now()
	rc.history = []positionSample{
		{position: RotatorPosition{AzimuthDeg: 100, ElevationDeg: 10}, timestamp: base},
		{position: RotatorPosition{AzimuthDeg: 104, ElevationDeg: 10}, timestamp: base.Add(2 * time.Second)},
		{position: RotatorPosition{AzimuthDeg: 99, ElevationDeg: 10}, timestamp: base.Add(4 * time.Second)},
	}
	assert.False(t, rc.isRealMovement(), "oscillation within jitter threshold with low net change is not movement")
}

func TestRotatorFallbackSchedulerSkipsWhileTracking(t *testing.T) {
	rc := NewRotatorController("localhost", 4533, nil)
	tracking := true
	s := NewRotatorFallbackScheduler(rc, []ScheduledPosition{{Time: time.Now().Format("15:04"), Bearing: 90}}, func() bool { return tracking }, nil)

	// Not connected and tracking=true: check() must not attempt SetTarget,
	// which would otherwise try to dial a real rotctld and error.
	s.check()
	assert.False(t, rc.Moving())
}

func TestNextScheduledPositionWrapsToTomorrow(t *testing.T) {
	rc := NewRotatorController("localhost", 4533, nil)
	s := NewRotatorFallbackScheduler(rc, []ScheduledPosition{{Time: "00:01", Bearing: 45}}, func() bool { return false }, nil)

	pos, ok := s.NextScheduledPosition()
	assert.True(t, ok)
	assert.Equal(t, 45.0, pos.Bearing)
}
