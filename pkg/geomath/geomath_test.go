package geomath

import (
	"math"
	"testing"

	"lifeline-dispatch/pkg/ontology"
)

// TestDistanceKm_Identity verifies that the distance from any point to
// itself is exactly zero.
func TestDistanceKm_Identity(t *testing.T) {
	points := []ontology.Coordinate{
		{Latitude: 0, Longitude: 0},
		{Latitude: 42.6977, Longitude: 23.3219},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 89.9, Longitude: -179.9},
	}

	for _, p := range points {
		if d := DistanceKm(p, p); d != 0 {
			t.Errorf("DistanceKm(%v, %v) = %v, want 0", p, p, d)
		}
	}
}

// TestDistanceKm_Symmetry verifies DistanceKm(a, b) == DistanceKm(b, a).
func TestDistanceKm_Symmetry(t *testing.T) {
	a := ontology.Coordinate{Latitude: 42.6977, Longitude: 23.3219}
	b := ontology.Coordinate{Latitude: 42.1354, Longitude: 24.7453}

	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); d1 != d2 {
		t.Errorf("distance not symmetric: %v vs %v", d1, d2)
	}
}

// TestDistanceKm_ReferenceValues checks known distances stay within 0.1%
// for the short ranges dispatch cares about.
func TestDistanceKm_ReferenceValues(t *testing.T) {
	tests := []struct {
		name string
		a, b ontology.Coordinate
		want float64
	}{
		{
			// one degree of longitude on the equator
			name: "equator 1 degree lon",
			a:    ontology.Coordinate{Latitude: 0, Longitude: 0},
			b:    ontology.Coordinate{Latitude: 0, Longitude: 1},
			want: 111.195,
		},
		{
			// 0.01 degree of latitude anywhere
			name: "0.01 degree lat",
			a:    ontology.Coordinate{Latitude: 42.0, Longitude: 23.0},
			b:    ontology.Coordinate{Latitude: 42.01, Longitude: 23.0},
			want: 1.11195,
		},
		{
			name: "0.01 degree lon on equator",
			a:    ontology.Coordinate{Latitude: 0, Longitude: 0},
			b:    ontology.Coordinate{Latitude: 0, Longitude: 0.01},
			want: 1.11195,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if relErr := math.Abs(got-tt.want) / tt.want; relErr > 0.001 {
				t.Errorf("DistanceKm = %v, want %v (rel err %v)", got, tt.want, relErr)
			}
		})
	}
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		name       string
		distanceKm float64
		speedKmh   float64
		want       float64
	}{
		{"explicit speed", 50, 100, 30},
		{"zero speed uses default", 50, 0, 60},
		{"negative speed uses default", 25, -3, 30},
		{"zero distance", 0, 80, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ETAMinutes(tt.distanceKm, tt.speedKmh); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ETAMinutes(%v, %v) = %v, want %v", tt.distanceKm, tt.speedKmh, got, tt.want)
			}
		})
	}
}

// TestIsInsideZone_Boundary verifies that a point exactly on the radius is
// inside, and a point just past it is not.
func TestIsInsideZone_Boundary(t *testing.T) {
	center := ontology.Coordinate{Latitude: 0, Longitude: 0}
	edge := ontology.Coordinate{Latitude: 0, Longitude: 0.01}
	radius := DistanceKm(center, edge) * 1000

	zone := ontology.GeofenceZone{
		ID:           "z1",
		Name:         "hospital perimeter",
		Center:       center,
		RadiusMeters: radius,
		Kind:         ontology.ZoneKindHospital,
	}

	if !IsInsideZone(edge, zone) {
		t.Error("point exactly on the boundary should be inside")
	}

	// ~1.3m past the boundary
	outside := ontology.Coordinate{Latitude: 0, Longitude: 0.010012}
	if IsInsideZone(outside, zone) {
		t.Error("point past the boundary should be outside")
	}
}

func TestBearingDegrees(t *testing.T) {
	origin := ontology.Coordinate{Latitude: 0, Longitude: 0}

	tests := []struct {
		name string
		to   ontology.Coordinate
		want float64
	}{
		{"due north", ontology.Coordinate{Latitude: 1, Longitude: 0}, 0},
		{"due east", ontology.Coordinate{Latitude: 0, Longitude: 1}, 90},
		{"due south", ontology.Coordinate{Latitude: -1, Longitude: 0}, 180},
		{"due west", ontology.Coordinate{Latitude: 0, Longitude: -1}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BearingDegrees(origin, tt.to); math.Abs(got-tt.want) > 0.01 {
				t.Errorf("BearingDegrees = %v, want %v", got, tt.want)
			}
		})
	}
}
