package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

// ChangeEvent is one presence mutation seen on the change stream.
type ChangeEvent struct {
	Type   string
	Record ontology.PresenceRecord
}

// Subscribe delivers presence changes for all actors until the context is
// cancelled. Cancellation drains and deregisters the underlying
// subscription, so no events leak after Stop.
func Subscribe(ctx context.Context, nc *nats.Conn) (<-chan ChangeEvent, error) {
	raw := make(chan *nats.Msg, 128)
	sub, err := nc.ChanSubscribe(shared.SubjectPresenceAll, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to presence changes: %w", err)
	}

	out := make(chan ChangeEvent, 128)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn().Err(err).Msg("Presence unsubscribe failed")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				ev, err := DecodeChange(msg.Data)
				if err != nil {
					log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed presence event")
					continue
				}
				select {
				case out <- *ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// DecodeChange extracts the presence record from a change-event envelope.
func DecodeChange(data []byte) (*ChangeEvent, error) {
	var event shared.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("presence event envelope: %w", err)
	}

	rawRecord, ok := event.Data["record"]
	if !ok {
		return nil, fmt.Errorf("presence event %s has no record", event.ID)
	}

	// Data is a generic map after the envelope unmarshal; round-trip the
	// record field to get the typed struct back.
	recordJSON, err := json.Marshal(rawRecord)
	if err != nil {
		return nil, err
	}
	var rec ontology.PresenceRecord
	if err := json.Unmarshal(recordJSON, &rec); err != nil {
		return nil, fmt.Errorf("presence event record: %w", err)
	}

	return &ChangeEvent{Type: event.Type, Record: rec}, nil
}
