// Package geofence verifies location samples against service addresses.
//
// Distance is great-circle (haversine); jurisdiction tolerances go as low
// as 50m, which rules out flat-earth approximations. An out-of-geofence
// sample is a normal, reportable outcome, never an error: only malformed
// coordinates fail.
package geofence

import (
	"math"
	"time"

	"caretrack/internal/evv/models"
	dErrors "caretrack/pkg/domain-errors"
)

const earthRadiusMeters = 6371000.0

// Sample is one untrusted location reading from a device.
type Sample struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Timestamp      time.Time
	// SuspectedMock carries the device's mock-location indicator.
	SuspectedMock bool
}

// Verify checks a sample against a target coordinate and tolerance, and
// returns the stamped verification. Pure apart from the timestamp default.
func Verify(sample Sample, target models.GeoPoint, toleranceMeters float64) (models.LocationVerification, error) {
	if err := validateCoordinate(sample.Latitude, sample.Longitude); err != nil {
		return models.LocationVerification{}, err
	}
	if err := validateCoordinate(target.Latitude, target.Longitude); err != nil {
		return models.LocationVerification{}, err
	}
	if toleranceMeters <= 0 {
		return models.LocationVerification{}, dErrors.New(dErrors.CodeConfiguration, "geofence tolerance must be positive")
	}

	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	distance := Distance(sample.Latitude, sample.Longitude, target.Latitude, target.Longitude)

	return models.LocationVerification{
		Latitude:                  sample.Latitude,
		Longitude:                 sample.Longitude,
		AccuracyMeters:            sample.AccuracyMeters,
		Timestamp:                 ts,
		DistanceFromAddressMeters: distance,
		GeofencePassed:            distance <= toleranceMeters,
		// A reported accuracy radius wider than the tolerance makes the
		// check unreliable, not failed.
		AccuracyTooCoarse: sample.AccuracyMeters > toleranceMeters,
		SuspectedMock:     sample.SuspectedMock,
	}, nil
}

// Distance returns the great-circle distance in meters between two
// coordinates using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func validateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return dErrors.New(dErrors.CodeInvalidInput, "coordinate is not a finite number")
	}
	if lat < -90 || lat > 90 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "latitude %f out of range [-90, 90]", lat)
	}
	if lon < -180 || lon > 180 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "longitude %f out of range [-180, 180]", lon)
	}
	return nil
}
