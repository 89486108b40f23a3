package presence

import (
	"context"
	"sync"
	"time"

	"lifeline-dispatch/pkg/ontology"
)

// LiveSet is the in-memory projection of the presence table, maintained by
// the presence projector worker from the change stream. Dispatch and
// geofencing read it on their hot paths instead of scanning the store.
type LiveSet struct {
	mu      sync.RWMutex
	records map[string]ontology.PresenceRecord
}

func NewLiveSet() *LiveSet {
	return &LiveSet{records: make(map[string]ontology.PresenceRecord)}
}

func (l *LiveSet) Put(rec ontology.PresenceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Change events arrive out of order across actors and can be
	// duplicated; per actor, only ever move forward in time.
	if prev, ok := l.records[rec.ActorID]; ok && prev.LastSeenMs > rec.LastSeenMs {
		return
	}
	l.records[rec.ActorID] = rec
}

func (l *LiveSet) Remove(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, actorID)
}

func (l *LiveSet) Get(actorID string) (ontology.PresenceRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[actorID]
	return rec, ok
}

// ListLive satisfies the same contract as Store.ListLive but from memory.
// The context parameter exists so both can back the dispatch interface.
func (l *LiveSet) ListLive(_ context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error) {
	cutoff := since.UnixMilli()

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ontology.PresenceRecord
	for _, rec := range l.records {
		if rec.Role == role && rec.LastSeenMs >= cutoff {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *LiveSet) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
