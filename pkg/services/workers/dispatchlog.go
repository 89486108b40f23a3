package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/shared"
)

// DispatchRecorder appends every call lifecycle event to the dispatch_log
// table. The log is the flat audit trail behind incident reviews; the
// emergency_calls table only holds current state.
type DispatchRecorder struct {
	*BaseWorker
	db *db.Service
}

func NewDispatchRecorder(nc *nats.Conn, js nats.JetStreamContext, database *db.Service) *DispatchRecorder {
	return &DispatchRecorder{
		BaseWorker: NewBaseWorker(
			"DispatchRecorder",
			nc,
			js,
			shared.StreamDispatch,
			shared.ConsumerDispatchRecorder,
			shared.SubjectDispatchAll,
		),
		db: database,
	}
}

func (w *DispatchRecorder) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) {
		var event shared.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed dispatch event")
			return
		}

		query := `
			INSERT INTO dispatch_log (event_id, event_type, subject, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`

		if _, err := w.db.DB.Exec(query,
			event.ID,
			event.Type,
			msg.Subject,
			string(msg.Data),
			time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record dispatch event")
		}
	})
}
