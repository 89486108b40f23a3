package ontology

import (
	"time"
)

// Zone kinds
const (
	ZoneKindHospital   = "hospital"
	ZoneKindDanger     = "danger"
	ZoneKindRestricted = "restricted"
)

// GeofenceZone is a named circular zone. Operators create and edit zones;
// the evaluator only reads them.
type GeofenceZone struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Center        Coordinate `json:"center"`
	RadiusMeters  float64    `json:"radius_meters" db:"radius_meters"`
	Kind          string     `json:"kind" db:"kind"`
	AlertsEnabled bool       `json:"alerts_enabled" db:"alerts_enabled"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

type UpsertZoneRequest struct {
	Name          string     `json:"name" validate:"required,min=1,max=255"`
	Center        Coordinate `json:"center"`
	RadiusMeters  float64    `json:"radius_meters" validate:"gt=0"`
	Kind          string     `json:"kind" validate:"required,oneof=hospital danger restricted"`
	AlertsEnabled bool       `json:"alerts_enabled"`
}

// Geofence event kinds
const (
	GeofenceEntered = "entered"
	GeofenceExited  = "exited"
)

// GeofenceAlert is raised once per zone entry (and once per exit) for each
// tracked vehicle.
type GeofenceAlert struct {
	ActorID   string     `json:"actor_id" db:"actor_id"`
	ZoneID    string     `json:"zone_id" db:"zone_id"`
	ZoneName  string     `json:"zone_name" db:"zone_name"`
	ZoneKind  string     `json:"zone_kind" db:"zone_kind"`
	Event     string     `json:"event" db:"event"`
	Position  Coordinate `json:"position"`
	RaisedAt  time.Time  `json:"raised_at" db:"raised_at"`
}
