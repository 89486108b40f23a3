package geofence

import (
	"context"
	"sync"
	"testing"
	"time"

	"lifeline-dispatch/pkg/ontology"
)

type fakeZones struct {
	mu    sync.Mutex
	zones []ontology.GeofenceZone
}

func (f *fakeZones) ListZones(ctx context.Context) ([]ontology.GeofenceZone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ontology.GeofenceZone, len(f.zones))
	copy(out, f.zones)
	return out, nil
}

func (f *fakeZones) set(zones ...ontology.GeofenceZone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones = zones
}

type fakePresence struct {
	mu      sync.Mutex
	records []ontology.PresenceRecord
}

func (f *fakePresence) ListLive(ctx context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ontology.PresenceRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakePresence) place(actorID string, lat, lon float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ActorID == actorID {
			f.records[i].Position.Latitude = lat
			f.records[i].Position.Longitude = lon
			return
		}
	}
	f.records = append(f.records, ontology.PresenceRecord{
		ActorID: actorID,
		Role:    ontology.RoleVehicle,
		Position: ontology.Position{
			ActorID:   actorID,
			Latitude:  lat,
			Longitude: lon,
		},
	})
}

func (f *fakePresence) remove(actorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	for _, rec := range f.records {
		if rec.ActorID != actorID {
			kept = append(kept, rec)
		}
	}
	f.records = kept
}

type capturedAlert struct {
	subject string
	msgID   string
}

type fakeBus struct {
	mu     sync.Mutex
	alerts []capturedAlert
}

func (f *fakeBus) PublishWithDedup(subject string, data []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, capturedAlert{subject: subject, msgID: msgID})
	return nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func dangerZone(id string, lat, lon, radiusM float64) ontology.GeofenceZone {
	return ontology.GeofenceZone{
		ID:            id,
		Name:          "zone-" + id,
		Center:        ontology.Coordinate{Latitude: lat, Longitude: lon},
		RadiusMeters:  radiusM,
		Kind:          ontology.ZoneKindDanger,
		AlertsEnabled: true,
	}
}

func newTestEvaluator(zones *fakeZones, presence *fakePresence, bus *fakeBus) *Evaluator {
	ev := NewEvaluator(zones, presence, bus, DefaultConfig())
	ev.SetNowFunc(func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) })
	return ev
}

// TestEntryAlertIsEdgeTriggered verifies that a vehicle sitting inside a zone
// alerts once on entry, not on every tick.
func TestEntryAlertIsEdgeTriggered(t *testing.T) {
	zones := &fakeZones{}
	zones.set(dangerZone("z1", 10.0, 10.0, 500))
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)
	ctx := context.Background()

	presence.place("ambulance-1", 50.0, 50.0)
	alerts, err := ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts outside zone, got %d", len(alerts))
	}

	presence.place("ambulance-1", 10.0, 10.0)
	alerts, err = ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 entry alert, got %d", len(alerts))
	}
	if alerts[0].Event != ontology.GeofenceEntered {
		t.Errorf("expected entered event, got %s", alerts[0].Event)
	}
	if alerts[0].ZoneID != "z1" || alerts[0].ActorID != "ambulance-1" {
		t.Errorf("unexpected alert identity: %+v", alerts[0])
	}

	// Idling inside must stay quiet.
	for i := 0; i < 3; i++ {
		alerts, err = ev.EvaluateTick(ctx)
		if err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if len(alerts) != 0 {
			t.Fatalf("tick %d: expected no repeat alerts, got %d", i, len(alerts))
		}
	}

	if bus.count() != 1 {
		t.Errorf("expected 1 published alert, got %d", bus.count())
	}
}

// TestExitResetsEntryState verifies that leaving raises an exit alert and
// re-arms the entry alert for the pair.
func TestExitResetsEntryState(t *testing.T) {
	zones := &fakeZones{}
	zones.set(dangerZone("z1", 10.0, 10.0, 500))
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)
	ctx := context.Background()

	presence.place("ambulance-1", 10.0, 10.0)
	if _, err := ev.EvaluateTick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	presence.place("ambulance-1", 50.0, 50.0)
	alerts, err := ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceExited {
		t.Fatalf("expected single exit alert, got %+v", alerts)
	}

	presence.place("ambulance-1", 10.0, 10.0)
	alerts, err = ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceEntered {
		t.Fatalf("expected re-entry alert after exit, got %+v", alerts)
	}
}

// TestDisabledZonesAreSkipped verifies zones with alerts disabled never fire.
func TestDisabledZonesAreSkipped(t *testing.T) {
	muted := dangerZone("z1", 10.0, 10.0, 500)
	muted.AlertsEnabled = false
	zones := &fakeZones{}
	zones.set(muted)
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)

	presence.place("ambulance-1", 10.0, 10.0)
	alerts, err := ev.EvaluateTick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts for muted zone, got %d", len(alerts))
	}
}

// TestZoneEditsApplyNextTick verifies a zone enabled between ticks is
// evaluated on the following tick.
func TestZoneEditsApplyNextTick(t *testing.T) {
	zones := &fakeZones{}
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)
	ctx := context.Background()

	presence.place("ambulance-1", 10.0, 10.0)
	if _, err := ev.EvaluateTick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	zones.set(dangerZone("z1", 10.0, 10.0, 500))
	alerts, err := ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceEntered {
		t.Fatalf("expected entry alert after zone was added, got %+v", alerts)
	}
}

// TestVanishedActorStateIsPruned verifies that an actor whose presence
// expires loses its containment state, so coming back inside the zone
// alerts again.
func TestVanishedActorStateIsPruned(t *testing.T) {
	zones := &fakeZones{}
	zones.set(dangerZone("z1", 10.0, 10.0, 500))
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)
	ctx := context.Background()

	presence.place("ambulance-1", 10.0, 10.0)
	if _, err := ev.EvaluateTick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	presence.remove("ambulance-1")
	if _, err := ev.EvaluateTick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	presence.place("ambulance-1", 10.0, 10.0)
	alerts, err := ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceEntered {
		t.Fatalf("expected fresh entry alert after presence gap, got %+v", alerts)
	}
}

// TestBoundaryIsInside verifies that a vehicle exactly on the zone radius
// counts as inside, stepping just past it exits, and coming back alerts
// again.
func TestBoundaryIsInside(t *testing.T) {
	// 0.01 degrees of latitude is about 1111.95 m.
	zones := &fakeZones{}
	zones.set(dangerZone("z1", 0.0, 0.0, 1111.95))
	presence := &fakePresence{}
	bus := &fakeBus{}
	ev := newTestEvaluator(zones, presence, bus)
	ctx := context.Background()

	presence.place("ambulance-1", 0.01, 0.0)
	alerts, err := ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceEntered {
		t.Fatalf("expected boundary position to alert as inside, got %+v", alerts)
	}

	// A few metres past the radius is outside.
	presence.place("ambulance-1", 0.0101, 0.0)
	alerts, err = ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceExited {
		t.Fatalf("expected exit just past the boundary, got %+v", alerts)
	}

	presence.place("ambulance-1", 0.01, 0.0)
	alerts, err = ev.EvaluateTick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != ontology.GeofenceEntered {
		t.Fatalf("expected re-entry at the boundary to alert, got %+v", alerts)
	}
}
