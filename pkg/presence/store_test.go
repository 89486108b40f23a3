package presence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

type fakeBus struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (f *fakeBus) PublishWithDedup(subject string, data []byte, msgID string) error {
	ev, err := DecodeChange(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) (*Store, *fakeBus) {
	t.Helper()

	cfg := db.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "presence_test.db")
	dbService, err := db.New(cfg)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { dbService.Close() })

	bus := &fakeBus{}
	return NewStore(dbService.GetDB(), bus), bus
}

func presenceRecord(actorID string, lastSeen time.Time) ontology.PresenceRecord {
	return ontology.PresenceRecord{
		ActorID:     actorID,
		Role:        ontology.RoleVehicle,
		DisplayName: actorID,
		Position: ontology.Position{
			ActorID:      actorID,
			Latitude:     42.0,
			Longitude:    23.0,
			AccuracyM:    5,
			CapturedAtMs: lastSeen.UnixMilli(),
		},
		LastSeenMs: lastSeen.UnixMilli(),
	}
}

// TestUpsert_CreatedThenUpdated verifies the first write publishes created,
// subsequent writes publish updated, and the row reflects the latest fix.
func TestUpsert_CreatedThenUpdated(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Upsert(ctx, presenceRecord("vehicle-1", now)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	rec := presenceRecord("vehicle-1", now.Add(time.Second))
	rec.Position.Latitude = 42.5
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if c := bus.countByType(shared.EventTypeCreated); c != 1 {
		t.Errorf("created events = %d, want 1", c)
	}
	if c := bus.countByType(shared.EventTypeUpdated); c != 1 {
		t.Errorf("updated events = %d, want 1", c)
	}

	got, err := store.Get(ctx, "vehicle-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Position.Latitude != 42.5 {
		t.Errorf("latitude = %v, want 42.5", got.Position.Latitude)
	}
}

// TestUpsert_ConcurrentFirstWritesSingleCreated races two first writes for
// the same actor and expects exactly one created event; the loser of the
// insert race publishes updated.
func TestUpsert_ConcurrentFirstWritesSingleCreated(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			errs <- store.Upsert(ctx, presenceRecord("vehicle-1", now.Add(time.Duration(offset)*time.Millisecond)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	if c := bus.countByType(shared.EventTypeCreated); c != 1 {
		t.Errorf("created events = %d, want exactly 1", c)
	}
	if c := bus.countByType(shared.EventTypeUpdated); c != 1 {
		t.Errorf("updated events = %d, want 1", c)
	}
}
