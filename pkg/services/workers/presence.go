package workers

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/presence"
	"lifeline-dispatch/pkg/shared"
)

// PresenceProjector folds the presence change stream into the in-memory
// live set that dispatch and geofencing read. Replaying the durable
// consumer after a restart rebuilds the projection; the live set ignores
// records older than what it already holds, so replays are safe.
type PresenceProjector struct {
	*BaseWorker
	liveSet *presence.LiveSet
}

func NewPresenceProjector(nc *nats.Conn, js nats.JetStreamContext, liveSet *presence.LiveSet) *PresenceProjector {
	return &PresenceProjector{
		BaseWorker: NewBaseWorker(
			"PresenceProjector",
			nc,
			js,
			shared.StreamPresence,
			shared.ConsumerPresenceProjector,
			shared.SubjectPresenceAll,
		),
		liveSet: liveSet,
	}
}

func (w *PresenceProjector) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) {
		ev, err := presence.DecodeChange(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed presence event")
			return
		}

		switch ev.Type {
		case shared.EventTypeDeleted:
			w.liveSet.Remove(ev.Record.ActorID)
		default:
			w.liveSet.Put(ev.Record)
		}
	})
}
