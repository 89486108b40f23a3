package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
	"lifeline-dispatch/pkg/stabilizer"
	"lifeline-dispatch/pkg/syncqueue"
)

// Queued write kinds
const (
	WriteKindUpsert = "presence_upsert"
	WriteKindTouch  = "presence_touch"
)

type touchPayload struct {
	ActorID    string `json:"actor_id"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// Writer is the slice of the presence store a tracker needs.
type Writer interface {
	Upsert(ctx context.Context, rec ontology.PresenceRecord) error
	Touch(ctx context.Context, actorID string, lastSeenMs int64) error
	Delete(ctx context.Context, actorID string) error
}

type TrackerConfig struct {
	// WriteTimeout bounds each datastore write; a timed-out write is
	// queued, never retried inline.
	WriteTimeout time.Duration
	Stabilizer   stabilizer.Config
	Queue        syncqueue.Config
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		WriteTimeout: 10 * time.Second,
		Stabilizer:   stabilizer.DefaultConfig(),
		Queue:        syncqueue.DefaultConfig(),
	}
}

// Tracker is one actor's publishing loop: stabilize each raw fix, write the
// accepted ones to the store, and buffer through the offline queue when the
// store is unreachable. Each actor owns exactly one tracker; trackers run
// independently with no shared state between actors.
type Tracker struct {
	actorID     string
	role        string
	displayName string

	store Writer
	stab  *stabilizer.Stabilizer
	queue *syncqueue.Queue
	cfg   TrackerConfig

	mu      sync.Mutex
	stopped bool

	nowFunc func() time.Time
}

func NewTracker(actorID, role, displayName string, store Writer, cfg TrackerConfig) *Tracker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTrackerConfig().WriteTimeout
	}
	return &Tracker{
		actorID:     actorID,
		role:        role,
		displayName: displayName,
		store:       store,
		stab:        stabilizer.New(cfg.Stabilizer),
		queue:       syncqueue.New(cfg.Queue),
		cfg:         cfg,
		nowFunc:     time.Now,
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.nowFunc = now
	t.stab.SetNowFunc(now)
}

// Queue exposes the offline queue for overflow/failed-write observers.
func (t *Tracker) Queue() *syncqueue.Queue {
	return t.queue
}

// Publish runs one raw fix through stabilization and hands the resulting
// write to the queue. A rejected fix still refreshes the liveness
// timestamp; only accepted fixes move the stored coordinates.
func (t *Tracker) Publish(ctx context.Context, fix ontology.Position) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("tracker for %s is stopped", t.actorID)
	}
	t.mu.Unlock()

	if err := ontology.ValidatePosition(fix); err != nil {
		return fmt.Errorf("%v: %w", err, shared.ErrDataInvalid)
	}

	now := t.nowFunc()
	decision := t.stab.Evaluate(fix)

	if !decision.Accept {
		payload, err := json.Marshal(touchPayload{ActorID: t.actorID, LastSeenMs: now.UnixMilli()})
		if err != nil {
			return err
		}
		return t.queue.Submit(ctx, syncqueue.QueuedWrite{
			ActorID: t.actorID,
			Kind:    WriteKindTouch,
			Payload: payload,
		}, t.send)
	}

	rec := ontology.PresenceRecord{
		ActorID:     t.actorID,
		Role:        t.role,
		DisplayName: t.displayName,
		Position:    fix,
		LastSeenMs:  now.UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return t.queue.Submit(ctx, syncqueue.QueuedWrite{
		ActorID:  t.actorID,
		Kind:     WriteKindUpsert,
		Payload:  payload,
		Critical: true,
	}, t.send)
}

// Reconnect replays queued writes in order. Call when the network layer
// reports connectivity is back.
func (t *Tracker) Reconnect(ctx context.Context) error {
	return t.queue.Drain(ctx, t.send)
}

// Offline tells the queue to stop attempting writes immediately.
func (t *Tracker) Offline() {
	t.queue.SetOffline()
}

// Stop ends sharing: the presence record is removed and no further writes
// are started. An in-flight write may still complete.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	return t.store.Delete(ctx, t.actorID)
}

func (t *Tracker) send(ctx context.Context, w syncqueue.QueuedWrite) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()

	switch w.Kind {
	case WriteKindUpsert:
		var rec ontology.PresenceRecord
		if err := json.Unmarshal(w.Payload, &rec); err != nil {
			return fmt.Errorf("queued upsert payload: %w", err)
		}
		return t.store.Upsert(ctx, rec)
	case WriteKindTouch:
		var p touchPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("queued touch payload: %w", err)
		}
		err := t.store.Touch(ctx, p.ActorID, p.LastSeenMs)
		// A touch for a record that does not exist yet has nothing to
		// refresh; dropping it loses no data.
		if err != nil && isNotFound(err) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown queued write kind %q", w.Kind)
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}
