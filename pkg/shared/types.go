package shared

import (
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Event is the change-notification envelope published on the bus for every
// datastore mutation. Subscribers must tolerate duplicates; writes are
// idempotent upserts keyed by actor or call id.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Uptime    time.Duration     `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Constants
const (
	// Priority Levels
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"

	// Event Types
	EventTypeCreated  = "created"
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	EventTypeStatus   = "status_changed"
	EventTypeAssigned = "vehicle_assigned"
	EventTypeFlagged  = "flagged"
	EventTypeAlert    = "alert"
)
