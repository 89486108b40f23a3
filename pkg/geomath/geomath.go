package geomath

import (
	"math"

	"lifeline-dispatch/pkg/ontology"
)

const earthRadiusKm = 6371.0

// DefaultSpeedKmh is the assumed average road speed used for ETA math when
// an actor reports no usable speed.
const DefaultSpeedKmh = 50.0

// DistanceKm returns the great-circle distance between two points using the
// haversine formula. Pure and symmetric; DistanceKm(a, a) is exactly 0.
func DistanceKm(a, b ontology.Coordinate) float64 {
	lat1 := degToRad(a.Latitude)
	lat2 := degToRad(b.Latitude)
	dLat := degToRad(b.Latitude - a.Latitude)
	dLon := degToRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// BearingDegrees returns the initial bearing from a to b in degrees,
// normalized to [0, 360).
func BearingDegrees(a, b ontology.Coordinate) float64 {
	lat1 := degToRad(a.Latitude)
	lat2 := degToRad(b.Latitude)
	dLon := degToRad(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	deg := radToDeg(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// ETAMinutes estimates travel time for a distance at the given speed.
// Speeds of 0 or less fall back to DefaultSpeedKmh.
func ETAMinutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return (distanceKm / speedKmh) * 60
}

// IsInsideZone reports whether a point is within the zone radius. The
// boundary itself counts as inside.
func IsInsideZone(point ontology.Coordinate, zone ontology.GeofenceZone) bool {
	return DistanceKm(point, zone.Center)*1000 <= zone.RadiusMeters
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func radToDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}
