package geofence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/geomath"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

// ZoneSource supplies the current zone set. The evaluator re-reads it on
// every tick, so zone edits take effect on the next evaluation rather than
// instantaneously.
type ZoneSource interface {
	ListZones(ctx context.Context) ([]ontology.GeofenceZone, error)
}

// PresenceSource supplies live vehicle positions.
type PresenceSource interface {
	ListLive(ctx context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error)
}

// Publisher pushes alert events onto the bus.
type Publisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
}

type Config struct {
	// Interval between evaluation ticks.
	Interval time.Duration
	// LiveWindow bounds which presence records are evaluated.
	LiveWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Second,
		LiveWindow: 2 * time.Minute,
	}
}

// Evaluator tests tracked vehicles against alert-enabled zones on a fixed
// interval. Containment is edge-triggered: one alert per entry, reset on
// exit, so a vehicle idling inside a danger zone does not re-alert every
// tick.
type Evaluator struct {
	zones    ZoneSource
	presence PresenceSource
	bus      Publisher
	cfg      Config

	// inside[actorID][zoneID] records the prior containment state.
	inside map[string]map[string]bool

	nowFunc func() time.Time
}

func NewEvaluator(zones ZoneSource, presence PresenceSource, bus Publisher, cfg Config) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = DefaultConfig().LiveWindow
	}
	return &Evaluator{
		zones:    zones,
		presence: presence,
		bus:      bus,
		cfg:      cfg,
		inside:   make(map[string]map[string]bool),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (e *Evaluator) SetNowFunc(now func() time.Time) {
	e.nowFunc = now
}

// EvaluateTick runs one evaluation pass and returns the alerts it raised.
// The scheduler drives ticks on Config.Interval.
func (e *Evaluator) EvaluateTick(ctx context.Context) ([]ontology.GeofenceAlert, error) {
	now := e.nowFunc()

	zones, err := e.zones.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}

	vehicles, err := e.presence.ListLive(ctx, ontology.RoleVehicle, now.Add(-e.cfg.LiveWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load vehicle presence: %w", err)
	}

	enabled := zones[:0:0]
	for _, zone := range zones {
		if zone.AlertsEnabled {
			enabled = append(enabled, zone)
		}
	}

	var alerts []ontology.GeofenceAlert
	seenActors := make(map[string]bool, len(vehicles))

	for _, rec := range vehicles {
		seenActors[rec.ActorID] = true
		prior := e.inside[rec.ActorID]
		if prior == nil {
			prior = make(map[string]bool)
			e.inside[rec.ActorID] = prior
		}

		current := make(map[string]bool, len(enabled))
		for _, zone := range enabled {
			in := geomath.IsInsideZone(rec.Position.Coord(), zone)
			current[zone.ID] = in

			if in && !prior[zone.ID] {
				alerts = append(alerts, e.raise(rec, zone, ontology.GeofenceEntered, now))
			} else if !in && prior[zone.ID] {
				alerts = append(alerts, e.raise(rec, zone, ontology.GeofenceExited, now))
			}
		}
		// Dropping stale zone ids here means a deleted-then-recreated
		// zone alerts afresh.
		e.inside[rec.ActorID] = current
	}

	// Forget actors that stopped sharing so re-appearing inside a zone
	// alerts again.
	for actorID := range e.inside {
		if !seenActors[actorID] {
			delete(e.inside, actorID)
		}
	}

	return alerts, nil
}

func (e *Evaluator) raise(rec ontology.PresenceRecord, zone ontology.GeofenceZone, event string, now time.Time) ontology.GeofenceAlert {
	alert := ontology.GeofenceAlert{
		ActorID:  rec.ActorID,
		ZoneID:   zone.ID,
		ZoneName: zone.Name,
		ZoneKind: zone.Kind,
		Event:    event,
		Position: rec.Position.Coord(),
		RaisedAt: now.UTC(),
	}

	logEvent := log.Info()
	if zone.Kind == ontology.ZoneKindDanger && event == ontology.GeofenceEntered {
		logEvent = log.Warn()
	}
	logEvent.Str("actor", rec.ActorID).Str("zone", zone.Name).Str("kind", zone.Kind).
		Str("event", event).Msg("Geofence state change")

	e.publish(alert)
	return alert
}

func (e *Evaluator) publish(alert ontology.GeofenceAlert) {
	if e.bus == nil {
		return
	}

	event := shared.Event{
		ID:      uuid.New().String(),
		Type:    shared.EventTypeAlert,
		Subject: shared.GeofenceAlertSubject(alert.ActorID),
		Data: map[string]interface{}{
			"actor_id": alert.ActorID,
			"zone_id":  alert.ZoneID,
			"alert":    alert,
		},
		Timestamp: alert.RaisedAt,
		Source:    "geofence-evaluator",
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal geofence alert")
		return
	}

	msgID := fmt.Sprintf("%s-%s-%s-%d", alert.ActorID, alert.ZoneID, alert.Event, alert.RaisedAt.UnixNano())
	if err := e.bus.PublishWithDedup(event.Subject, data, msgID); err != nil {
		log.Error().Err(err).Msg("Failed to publish geofence alert")
	}
}
