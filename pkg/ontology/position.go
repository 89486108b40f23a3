package ontology

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Coordinate is a bare WGS84 point, used wherever a location is not tied to
// a specific actor fix (call locations, zone centers, route endpoints).
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
}

// Position is a single GPS fix published by an actor. Immutable once
// created; a newer Position for the same actor supersedes the prior one.
type Position struct {
	ActorID      string   `json:"actor_id" db:"actor_id" validate:"required"`
	Latitude     float64  `json:"latitude" db:"latitude" validate:"min=-90,max=90"`
	Longitude    float64  `json:"longitude" db:"longitude" validate:"min=-180,max=180"`
	AccuracyM    float64  `json:"accuracy_m" db:"accuracy_m" validate:"gte=0"`
	HeadingDeg   *float64 `json:"heading_deg,omitempty" db:"heading_deg"`
	SpeedMS      *float64 `json:"speed_ms,omitempty" db:"speed_ms"`
	CapturedAtMs int64    `json:"captured_at_ms" db:"captured_at_ms"`
}

func (p Position) Coord() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// SpeedKmh returns the observed speed in km/h, or 0 when not reported.
func (p Position) SpeedKmh() float64 {
	if p.SpeedMS == nil {
		return 0
	}
	return *p.SpeedMS * 3.6
}

// ValidatePosition rejects out-of-range fixes before they reach the store.
func ValidatePosition(p Position) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("position for actor %q: %w", p.ActorID, err)
	}
	return nil
}

// Actor roles
const (
	RoleReporter   = "reporter"
	RoleVehicle    = "vehicle"
	RoleDispatcher = "dispatcher"
)

// PresenceRecord is an actor's live location plus liveness timestamp. One
// record per actor, owned exclusively by the publishing actor.
type PresenceRecord struct {
	ActorID      string   `json:"actor_id" db:"actor_id"`
	Role         string   `json:"role" db:"role" validate:"oneof=reporter vehicle dispatcher"`
	DisplayName  string   `json:"display_name" db:"display_name"`
	Position     Position `json:"position"`
	LastSeenMs   int64    `json:"last_seen_ms" db:"last_seen_ms"`
}
