package shared

import "fmt"

// NATS Subject patterns
const (
	// Base subject prefix
	SubjectPrefix = "lifeline"

	// Presence subjects (datastore change stream for presence records)
	SubjectPresence        = "lifeline.presence"
	SubjectPresenceAll     = "lifeline.presence.>"
	SubjectPresenceCreated = "lifeline.presence.%s.created" // actor_id
	SubjectPresenceUpdated = "lifeline.presence.%s.updated" // actor_id
	SubjectPresenceDeleted = "lifeline.presence.%s.deleted" // actor_id

	// Dispatch subjects (emergency call lifecycle events)
	SubjectDispatch       = "lifeline.dispatch"
	SubjectDispatchAll    = "lifeline.dispatch.>"
	SubjectDispatchCall   = "lifeline.dispatch.%s.%s" // call_id, event type
	SubjectDispatchRoutes = "lifeline.dispatch.%s.route" // call_id

	// Alert subjects (geofence containment, queue overflow, stale calls)
	SubjectAlerts         = "lifeline.alerts"
	SubjectAlertsAll      = "lifeline.alerts.>"
	SubjectAlertsGeofence = "lifeline.alerts.geofence.%s" // actor_id
	SubjectAlertsQueue    = "lifeline.alerts.queue.%s"    // actor_id
)

// Stream names
const (
	StreamPresence = "LIFELINE_PRESENCE"
	StreamDispatch = "LIFELINE_DISPATCH"
	StreamAlerts   = "LIFELINE_ALERTS"
)

// Consumer names
const (
	ConsumerPresenceProjector = "presence-projector"
	ConsumerDispatchRecorder  = "dispatch-recorder"
	ConsumerAlertRecorder     = "alert-recorder"
)

// Helper functions to generate subjects
func PresenceCreatedSubject(actorID string) string {
	return fmt.Sprintf(SubjectPresenceCreated, actorID)
}

func PresenceUpdatedSubject(actorID string) string {
	return fmt.Sprintf(SubjectPresenceUpdated, actorID)
}

func PresenceDeletedSubject(actorID string) string {
	return fmt.Sprintf(SubjectPresenceDeleted, actorID)
}

func DispatchCallSubject(callID, eventType string) string {
	return fmt.Sprintf(SubjectDispatchCall, callID, eventType)
}

func DispatchRouteSubject(callID string) string {
	return fmt.Sprintf(SubjectDispatchRoutes, callID)
}

func GeofenceAlertSubject(actorID string) string {
	return fmt.Sprintf(SubjectAlertsGeofence, actorID)
}

func QueueAlertSubject(actorID string) string {
	return fmt.Sprintf(SubjectAlertsQueue, actorID)
}
