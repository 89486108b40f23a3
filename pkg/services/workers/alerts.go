package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

// AlertRecorder persists every alert from the bus so operators can audit
// geofence activity after the fact.
type AlertRecorder struct {
	*BaseWorker
	db *db.Service
}

func NewAlertRecorder(nc *nats.Conn, js nats.JetStreamContext, database *db.Service) *AlertRecorder {
	return &AlertRecorder{
		BaseWorker: NewBaseWorker(
			"AlertRecorder",
			nc,
			js,
			shared.StreamAlerts,
			shared.ConsumerAlertRecorder,
			shared.SubjectAlertsAll,
		),
		db: database,
	}
}

func (w *AlertRecorder) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) {
		var event shared.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed alert event")
			return
		}

		rawAlert, ok := event.Data["alert"]
		if !ok {
			// Queue overflow alerts carry no geofence payload; they are
			// log-only.
			log.Info().Str("subject", msg.Subject).Msg("Alert without geofence payload")
			return
		}

		alertJSON, err := json.Marshal(rawAlert)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to re-encode alert payload")
			return
		}
		var alert ontology.GeofenceAlert
		if err := json.Unmarshal(alertJSON, &alert); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping undecodable alert payload")
			return
		}

		if err := w.record(alert); err != nil {
			log.Error().Err(err).Str("actor", alert.ActorID).Str("zone", alert.ZoneID).Msg("Failed to record alert")
		}
	})
}

func (w *AlertRecorder) record(alert ontology.GeofenceAlert) error {
	query := `
		INSERT INTO geofence_alerts (actor_id, zone_id, zone_name, zone_kind, event, latitude, longitude, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := w.db.DB.Exec(query,
		alert.ActorID,
		alert.ZoneID,
		alert.ZoneName,
		alert.ZoneKind,
		alert.Event,
		alert.Position.Latitude,
		alert.Position.Longitude,
		alert.RaisedAt.Format(time.RFC3339Nano),
	)
	return err
}
