// Package eta estimates travel time as straight-line distance over an assumed
// average speed. It knows nothing about the road network, so its output is
// advisory and must never be shown as a delivery-time guarantee.
package eta

import (
	"math"
	"time"

	"dispatch-backend/internal/models"
)

const (
	earthRadiusMeters = 6371000.0

	// DefaultSpeedMps is an urban average for a car or scooter (about 25 km/h)
	DefaultSpeedMps = 7.0

	// MinimumMinutes is the floor for any estimate
	MinimumMinutes = 1
)

// DistanceMeters returns the haversine great-circle distance between two points
func DistanceMeters(from, to models.Coordinates) float64 {
	lat1Rad := from.Lat * math.Pi / 180
	lat2Rad := to.Lat * math.Pi / 180
	deltaLat := (to.Lat - from.Lat) * math.Pi / 180
	deltaLng := (to.Lng - from.Lng) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Minutes estimates whole minutes to travel from -> to at speedMps, rounded up
// and never below MinimumMinutes. A non-positive speed falls back to DefaultSpeedMps.
func Minutes(from, to models.Coordinates, speedMps float64) int {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	seconds := DistanceMeters(from, to) / speedMps
	minutes := int(math.Ceil(seconds / 60))
	if minutes < MinimumMinutes {
		return MinimumMinutes
	}
	return minutes
}

// Estimate is Minutes expressed as a duration
func Estimate(from, to models.Coordinates, speedMps float64) time.Duration {
	return time.Duration(Minutes(from, to, speedMps)) * time.Minute
}
