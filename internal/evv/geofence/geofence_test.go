package geofence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caretrack/internal/evv/models"
	dErrors "caretrack/pkg/domain-errors"
)

// Columbus OH service address used across the scenarios.
var columbus = models.GeoPoint{Latitude: 39.9612, Longitude: -82.9988}

func TestVerify_AtTarget(t *testing.T) {
	v, err := Verify(Sample{
		Latitude:       columbus.Latitude,
		Longitude:      columbus.Longitude,
		AccuracyMeters: 10,
		Timestamp:      time.Now(),
	}, columbus, 75)
	require.NoError(t, err)

	assert.True(t, v.GeofencePassed)
	assert.InDelta(t, 0, v.DistanceFromAddressMeters, 0.01)
	assert.False(t, v.AccuracyTooCoarse)
}

func TestVerify_OutsideTolerance(t *testing.T) {
	// ~200m north of the target: 0.0018 degrees of latitude.
	v, err := Verify(Sample{
		Latitude:       columbus.Latitude + 0.0018,
		Longitude:      columbus.Longitude,
		AccuracyMeters: 10,
	}, columbus, 75)
	require.NoError(t, err)

	// Too far is a reportable outcome, not an error.
	assert.False(t, v.GeofencePassed)
	assert.InDelta(t, 200, v.DistanceFromAddressMeters, 5)
}

func TestVerify_AccuracyTooCoarse(t *testing.T) {
	v, err := Verify(Sample{
		Latitude:       columbus.Latitude,
		Longitude:      columbus.Longitude,
		AccuracyMeters: 150, // wider than the 75m tolerance
	}, columbus, 75)
	require.NoError(t, err)

	// Unreliable, not failed: the sample is at the target.
	assert.True(t, v.GeofencePassed)
	assert.True(t, v.AccuracyTooCoarse)
}

func TestVerify_MockFlagCarriedThrough(t *testing.T) {
	v, err := Verify(Sample{
		Latitude:      columbus.Latitude,
		Longitude:     columbus.Longitude,
		SuspectedMock: true,
	}, columbus, 75)
	require.NoError(t, err)
	assert.True(t, v.SuspectedMock)
	assert.True(t, v.GeofencePassed, "mock flag does not block the outcome on its own")
}

func TestVerify_MalformedCoordinates(t *testing.T) {
	cases := []struct {
		name string
		lat  float64
		lon  float64
	}{
		{"latitude above range", 91, 0},
		{"latitude below range", -91, 0},
		{"longitude above range", 0, 181},
		{"NaN latitude", math.NaN(), 0},
		{"infinite longitude", 0, math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(Sample{Latitude: tc.lat, Longitude: tc.lon}, columbus, 75)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	lat1, lon1 := 39.9612, -82.9988
	lat2, lon2 := 40.4406, -79.9959 // Pittsburgh

	d1 := Distance(lat1, lon1, lat2, lon2)
	d2 := Distance(lat2, lon2, lat1, lon1)
	assert.InDelta(t, d1, d2, 1e-9)
	assert.Greater(t, d1, 250_000.0)
	assert.Less(t, d1, 300_000.0)
}

func TestVerify_Monotonic(t *testing.T) {
	// Shrinking the distance while holding tolerance fixed can never flip
	// GeofencePassed from true to false.
	tolerance := 75.0
	prevPassed := false
	for _, offset := range []float64{0.0030, 0.0018, 0.0009, 0.0004, 0.0001, 0} {
		v, err := Verify(Sample{
			Latitude:  columbus.Latitude + offset,
			Longitude: columbus.Longitude,
		}, columbus, tolerance)
		require.NoError(t, err)
		if prevPassed {
			assert.True(t, v.GeofencePassed, "closer sample must not fail after a farther one passed")
		}
		prevPassed = v.GeofencePassed
	}
	assert.True(t, prevPassed, "sample at the target must pass")
}
