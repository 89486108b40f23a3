package ontology

import (
	"time"
)

// Emergency call lifecycle. Transitions are strictly forward, one step at a
// time: received -> en_route -> arrived -> completed.
const (
	CallStatusReceived  = "received"
	CallStatusEnRoute   = "en_route"
	CallStatusArrived   = "arrived"
	CallStatusCompleted = "completed"
)

// CallStatusRank orders statuses for monotonicity checks. Unknown statuses
// rank -1 so they never pass a transition check.
func CallStatusRank(status string) int {
	switch status {
	case CallStatusReceived:
		return 0
	case CallStatusEnRoute:
		return 1
	case CallStatusArrived:
		return 2
	case CallStatusCompleted:
		return 3
	}
	return -1
}

type StatusChange struct {
	Status    string    `json:"status" db:"status"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
	Note      string    `json:"note,omitempty" db:"note"`
}

// EmergencyCall is created from an incoming report and mutated only through
// dispatch transitions. Calls are terminated (completed), never deleted.
type EmergencyCall struct {
	ID                string         `json:"id" db:"id"`
	ReportID          string         `json:"report_id" db:"report_id"`
	Status            string         `json:"status" db:"status"`
	Location          Coordinate     `json:"location"`
	Priority          string         `json:"priority" db:"priority"`
	AssignedVehicleID *string        `json:"assigned_vehicle_id,omitempty" db:"assigned_vehicle_id"`
	Hospital          *Coordinate    `json:"hospital,omitempty"`
	Flagged           bool           `json:"flagged" db:"flagged"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
	StatusHistory     []StatusChange `json:"status_history"`
}

type CreateCallRequest struct {
	ReportID string      `json:"report_id" validate:"required"`
	Location Coordinate  `json:"location"`
	Priority string      `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	Hospital *Coordinate `json:"hospital,omitempty"`
}

type TransitionCallRequest struct {
	CallID    string  `json:"call_id" validate:"required"`
	Status    string  `json:"status" validate:"required,oneof=received en_route arrived completed"`
	VehicleID *string `json:"vehicle_id,omitempty"`
	Note      string  `json:"note,omitempty"`
}
