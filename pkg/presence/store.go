package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

// Publisher pushes datastore change events onto the bus.
type Publisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
}

// Store owns the presence table: one row per actor, upserted on each
// accepted fix, deleted when the actor stops sharing. Every mutation
// publishes a change event carrying the full record.
type Store struct {
	db  *sql.DB
	bus Publisher
}

func NewStore(db *sql.DB, bus Publisher) *Store {
	return &Store{db: db, bus: bus}
}

// Upsert writes the record and publishes created or updated. Idempotent by
// actor id, so at-least-once delivery upstream is safe. Insert-first: only
// the writer that creates the row publishes created, so two racing first
// writes for an actor produce one created and one updated.
func (s *Store) Upsert(ctx context.Context, rec ontology.PresenceRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (actor_id, role, display_name, latitude, longitude, accuracy_m,
		                       heading_deg, speed_ms, captured_at_ms, last_seen_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO NOTHING`,
		rec.ActorID, rec.Role, rec.DisplayName,
		rec.Position.Latitude, rec.Position.Longitude, rec.Position.AccuracyM,
		rec.Position.HeadingDeg, rec.Position.SpeedMS, rec.Position.CapturedAtMs,
		rec.LastSeenMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert presence for %s: %w", rec.ActorID, err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		s.publishChange(rec, shared.EventTypeCreated, shared.PresenceCreatedSubject(rec.ActorID))
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE presence SET role = ?, display_name = ?, latitude = ?, longitude = ?,
		        accuracy_m = ?, heading_deg = ?, speed_ms = ?, captured_at_ms = ?, last_seen_ms = ?
		 WHERE actor_id = ?`,
		rec.Role, rec.DisplayName,
		rec.Position.Latitude, rec.Position.Longitude, rec.Position.AccuracyM,
		rec.Position.HeadingDeg, rec.Position.SpeedMS, rec.Position.CapturedAtMs,
		rec.LastSeenMs, rec.ActorID,
	); err != nil {
		return fmt.Errorf("failed to update presence for %s: %w", rec.ActorID, err)
	}
	s.publishChange(rec, shared.EventTypeUpdated, shared.PresenceUpdatedSubject(rec.ActorID))

	return nil
}

// Touch refreshes only the liveness timestamp, for fixes the stabilizer
// rejected. Coordinates stay put so subscribers see no movement.
func (s *Store) Touch(ctx context.Context, actorID string, lastSeenMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presence SET last_seen_ms = ? WHERE actor_id = ?`, lastSeenMs, actorID)
	if err != nil {
		return fmt.Errorf("failed to touch presence for %s: %w", actorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("presence for %s: %w", actorID, shared.ErrNotFound)
	}
	return nil
}

// Delete removes the actor's record when sharing stops.
func (s *Store) Delete(ctx context.Context, actorID string) error {
	rec, err := s.Get(ctx, actorID)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM presence WHERE actor_id = ?`, actorID); err != nil {
		return fmt.Errorf("failed to delete presence for %s: %w", actorID, err)
	}

	s.publishChange(*rec, shared.EventTypeDeleted, shared.PresenceDeletedSubject(actorID))
	return nil
}

func (s *Store) Get(ctx context.Context, actorID string) (*ontology.PresenceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT actor_id, role, display_name, latitude, longitude, accuracy_m,
		        heading_deg, speed_ms, captured_at_ms, last_seen_ms
		 FROM presence WHERE actor_id = ?`, actorID)

	rec, err := scanPresence(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("presence for %s: %w", actorID, shared.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListLive returns records for a role whose liveness timestamp is at or
// after the cutoff.
func (s *Store) ListLive(ctx context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, role, display_name, latitude, longitude, accuracy_m,
		        heading_deg, speed_ms, captured_at_ms, last_seen_ms
		 FROM presence WHERE role = ? AND last_seen_ms >= ?`,
		role, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	defer rows.Close()

	var records []ontology.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *Store) publishChange(rec ontology.PresenceRecord, eventType, subject string) {
	if s.bus == nil {
		return
	}

	event := shared.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Subject: subject,
		Data: map[string]interface{}{
			"actor_id": rec.ActorID,
			"role":     rec.Role,
			"record":   rec,
		},
		Timestamp: time.Now().UTC(),
		Source:    "presence-store",
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal presence event")
		return
	}

	msgID := fmt.Sprintf("%s-%s-%d", rec.ActorID, eventType, rec.LastSeenMs)
	if err := s.bus.PublishWithDedup(subject, data, msgID); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish presence event")
	}
}

func scanPresence(scanner interface{ Scan(...interface{}) error }) (*ontology.PresenceRecord, error) {
	var rec ontology.PresenceRecord
	var heading, speed sql.NullFloat64

	err := scanner.Scan(
		&rec.ActorID, &rec.Role, &rec.DisplayName,
		&rec.Position.Latitude, &rec.Position.Longitude, &rec.Position.AccuracyM,
		&heading, &speed, &rec.Position.CapturedAtMs, &rec.LastSeenMs,
	)
	if err != nil {
		return nil, err
	}

	rec.Position.ActorID = rec.ActorID
	if heading.Valid {
		rec.Position.HeadingDeg = &heading.Float64
	}
	if speed.Valid {
		rec.Position.SpeedMS = &speed.Float64
	}

	return &rec, nil
}
