package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/shared"
)

// State of the connectivity machine:
// Connected -> (write fails or network offline) -> Queuing
// Queuing -> (network restored) -> Draining -> Connected
type State int

const (
	StateConnected State = iota
	StateQueuing
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateQueuing:
		return "queuing"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// QueuedWrite is one deferred datastore write for an actor.
type QueuedWrite struct {
	ActorID      string          `json:"actor_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Critical     bool            `json:"critical"`
	Attempt      int             `json:"attempt"`
	EnqueuedAtMs int64           `json:"enqueued_at_ms"`
}

// Queue event types
const (
	EventOverflow    = "overflow"
	EventWriteFailed = "write_failed"
	EventDrained     = "drained"
)

type Event struct {
	Type  string
	Write QueuedWrite
}

// SendFunc performs the actual datastore write for one queued entry.
type SendFunc func(ctx context.Context, w QueuedWrite) error

type Config struct {
	// Capacity bounds the buffer; when full, the oldest non-critical
	// entry is evicted and an overflow event is emitted.
	Capacity int
	// MaxAttempts is how many times a single write may fail during
	// replay before it is surfaced as a failed-write event and dropped.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Capacity:    500,
		MaxAttempts: 5,
	}
}

// Queue buffers writes for a single actor while disconnected and replays
// them strictly in enqueue order on reconnect.
type Queue struct {
	mu    sync.Mutex
	state State
	buf   []QueuedWrite
	cfg   Config

	events  chan Event
	nowFunc func() time.Time
}

func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Queue{
		state:   StateConnected,
		cfg:     cfg,
		events:  make(chan Event, 64),
		nowFunc: time.Now,
	}
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Events delivers overflow and failed-write notifications. Best effort: a
// slow observer loses events rather than blocking the write path.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// SetOffline moves the queue to Queuing without waiting for a write to
// fail, for when the network layer reports connectivity loss directly.
func (q *Queue) SetOffline() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateConnected {
		q.state = StateQueuing
	}
}

// Submit sends the write immediately when connected; a failed or offline
// write is appended to the buffer instead. A queued write is not an error
// for the caller: transient failures recover locally.
func (q *Queue) Submit(ctx context.Context, w QueuedWrite, send SendFunc) error {
	q.mu.Lock()
	state := q.state
	q.mu.Unlock()

	if state != StateConnected {
		q.enqueue(w)
		return nil
	}

	if err := send(ctx, w); err != nil {
		log.Warn().Err(err).Str("actor", w.ActorID).Str("kind", w.Kind).
			Msg("Write failed, entering offline queue")
		q.mu.Lock()
		q.state = StateQueuing
		q.mu.Unlock()
		q.enqueue(w)
	}
	return nil
}

// Drain replays buffered writes in enqueue order. A failure mid-drain
// re-enters Queuing with the remaining order intact, unless the failing
// write has exhausted its attempts, in which case it is dropped with a
// failed-write event and the drain continues.
func (q *Queue) Drain(ctx context.Context, send SendFunc) error {
	q.mu.Lock()
	if q.state == StateDraining {
		q.mu.Unlock()
		return nil
	}
	q.state = StateDraining
	q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			q.mu.Lock()
			q.state = StateQueuing
			q.mu.Unlock()
			return err
		}

		q.mu.Lock()
		if len(q.buf) == 0 {
			q.state = StateConnected
			q.mu.Unlock()
			q.emit(Event{Type: EventDrained})
			return nil
		}
		head := q.buf[0]
		q.mu.Unlock()

		if err := send(ctx, head); err != nil {
			q.mu.Lock()
			q.buf[0].Attempt++
			if q.buf[0].Attempt >= q.cfg.MaxAttempts {
				// Fail loud instead of retrying forever.
				failed := q.buf[0]
				q.buf = q.buf[1:]
				q.mu.Unlock()
				log.Error().Str("actor", failed.ActorID).Str("kind", failed.Kind).
					Int("attempts", failed.Attempt).Msg("Dropping write after max attempts")
				q.emit(Event{Type: EventWriteFailed, Write: failed})
				continue
			}
			q.state = StateQueuing
			q.mu.Unlock()
			return fmt.Errorf("drain for actor %q: %w", head.ActorID, shared.ErrTransient)
		}

		q.mu.Lock()
		q.buf = q.buf[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) enqueue(w QueuedWrite) {
	if w.EnqueuedAtMs == 0 {
		w.EnqueuedAtMs = q.nowFunc().UnixMilli()
	}

	q.mu.Lock()
	var evicted *QueuedWrite
	if len(q.buf) >= q.cfg.Capacity {
		idx := -1
		for i := range q.buf {
			if !q.buf[i].Critical {
				idx = i
				break
			}
		}
		if idx == -1 {
			// Every buffered write is critical; dropping the oldest is
			// the least bad option, and the overflow event carries the
			// Critical flag so the loss is visible.
			idx = 0
		}
		e := q.buf[idx]
		evicted = &e
		q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
	}
	q.buf = append(q.buf, w)
	q.mu.Unlock()

	if evicted != nil {
		logEvent := log.Warn()
		if evicted.Critical {
			logEvent = log.Error()
		}
		logEvent.Str("actor", evicted.ActorID).Str("kind", evicted.Kind).Bool("critical", evicted.Critical).
			Msg("Offline queue full, evicted oldest entry")
		q.emit(Event{Type: EventOverflow, Write: *evicted})
	}
}

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		log.Warn().Str("event", ev.Type).Msg("Queue event dropped, observer too slow")
	}
}
