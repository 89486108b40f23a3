package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/geomath"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

var validate = validator.New()

// VehicleLocator supplies live vehicle presence for nearest-vehicle
// selection. Backed by the presence projector's in-memory set in the
// daemon, or by the store directly.
type VehicleLocator interface {
	ListLive(ctx context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error)
}

// RouteResolver produces an estimate for a leg. Resolution cannot fail;
// the terminal straight-line tier always answers.
type RouteResolver interface {
	Resolve(ctx context.Context, origin, dest ontology.Coordinate) *ontology.RouteEstimate
}

// Publisher pushes dispatch lifecycle events onto the bus.
type Publisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
}

type Config struct {
	// LiveWindow is how recent a vehicle's liveness timestamp must be
	// for it to count as assignable.
	LiveWindow time.Duration
	// StaleAfter flags a non-terminal call whose assigned vehicle has
	// been silent this long. Flagged, never auto-completed.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		LiveWindow: 2 * time.Minute,
		StaleAfter: 10 * time.Minute,
	}
}

// Service owns the emergency-call lifecycle: creation from reports, the
// monotonic status machine, vehicle claiming, and stale-call flagging.
type Service struct {
	db       *sql.DB
	vehicles VehicleLocator
	routes   RouteResolver
	bus      Publisher
	cfg      Config

	nowFunc func() time.Time
}

func NewService(db *sql.DB, vehicles VehicleLocator, routes RouteResolver, bus Publisher, cfg Config) *Service {
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = DefaultConfig().LiveWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Service{
		db:       db,
		vehicles: vehicles,
		routes:   routes,
		bus:      bus,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// CreateCall opens a call from an incoming report. The report's location
// and metadata are taken as supplied and never mutated afterwards.
func (s *Service) CreateCall(ctx context.Context, req ontology.CreateCallRequest) (*ontology.EmergencyCall, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%v: %w", err, shared.ErrDataInvalid)
	}

	priority := req.Priority
	if priority == "" {
		priority = shared.PriorityNormal
	}

	now := s.nowFunc().UTC()
	call := &ontology.EmergencyCall{
		ID:        uuid.New().String(),
		ReportID:  req.ReportID,
		Status:    ontology.CallStatusReceived,
		Location:  req.Location,
		Priority:  priority,
		Hospital:  req.Hospital,
		CreatedAt: now,
		UpdatedAt: now,
		StatusHistory: []ontology.StatusChange{
			{Status: ontology.CallStatusReceived, ChangedAt: now, Note: "call opened"},
		},
	}

	err := s.inTx(func(tx *sql.Tx) error {
		var hLat, hLon interface{}
		if call.Hospital != nil {
			hLat, hLon = call.Hospital.Latitude, call.Hospital.Longitude
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO emergency_calls (id, report_id, status, latitude, longitude, priority,
			                              hospital_latitude, hospital_longitude, flagged, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			call.ID, call.ReportID, call.Status, call.Location.Latitude, call.Location.Longitude,
			call.Priority, hLat, hLon, now.Format(time.RFC3339), now.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		return s.appendHistory(ctx, tx, call.ID, ontology.CallStatusReceived, "call opened", now)
	})
	if err != nil {
		return nil, err
	}

	go s.publishCallEvent(call, shared.EventTypeCreated, nil)
	return call, nil
}

// TransitionResult carries the updated call plus the route resolved for
// the transition, when one applies.
type TransitionResult struct {
	Call  *ontology.EmergencyCall `json:"call"`
	Route *ontology.RouteEstimate `json:"route,omitempty"`
}

// Transition advances a call one step forward. Backward or skipped steps
// are rejected without touching state. Moving into en_route claims a
// vehicle (auto-selecting the nearest live one when none is supplied) and
// resolves a route to the call; moving into arrived resolves the onward
// hospital leg when the call has one; completion releases the claim.
func (s *Service) Transition(ctx context.Context, req ontology.TransitionCallRequest) (*TransitionResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%v: %w", err, shared.ErrDataInvalid)
	}

	call, err := s.GetCall(ctx, req.CallID)
	if err != nil {
		return nil, err
	}

	if ontology.CallStatusRank(req.Status) != ontology.CallStatusRank(call.Status)+1 {
		return nil, fmt.Errorf("call %s: %s -> %s: %w",
			call.ID, call.Status, req.Status, shared.ErrInvalidTransition)
	}

	now := s.nowFunc().UTC()
	assignedVehicle := call.AssignedVehicleID
	var vehiclePos *ontology.Position

	if req.Status == ontology.CallStatusEnRoute {
		rec, err := s.selectAndClaim(ctx, call, req.VehicleID, now)
		if err != nil {
			return nil, err
		}
		assignedVehicle = &rec.ActorID
		pos := rec.Position
		vehiclePos = &pos
	}

	err = s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE emergency_calls SET status = ?, assigned_vehicle_id = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			req.Status, assignedVehicle, now.Format(time.RFC3339), call.ID, call.Status)
		if err != nil {
			return fmt.Errorf("failed to update call %s: %w", call.ID, err)
		}
		// Status is the guard: a concurrent transition that got there
		// first leaves nothing for this one to update.
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("call %s changed concurrently: %w", call.ID, shared.ErrInvalidTransition)
		}

		if req.Status == ontology.CallStatusCompleted && assignedVehicle != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM vehicle_claims WHERE vehicle_id = ? AND call_id = ?`,
				*assignedVehicle, call.ID); err != nil {
				return fmt.Errorf("failed to release claim: %w", err)
			}
		}

		return s.appendHistory(ctx, tx, call.ID, req.Status, req.Note, now)
	})
	if err != nil {
		// A failed status update must not leave a fresh claim behind.
		if req.Status == ontology.CallStatusEnRoute && assignedVehicle != nil {
			s.releaseClaim(ctx, *assignedVehicle, call.ID)
		}
		return nil, err
	}

	call.Status = req.Status
	call.AssignedVehicleID = assignedVehicle
	call.UpdatedAt = now
	call.StatusHistory = append(call.StatusHistory, ontology.StatusChange{
		Status: req.Status, ChangedAt: now, Note: req.Note,
	})

	result := &TransitionResult{Call: call}
	switch req.Status {
	case ontology.CallStatusEnRoute:
		if vehiclePos != nil {
			result.Route = s.routes.Resolve(ctx, vehiclePos.Coord(), call.Location)
		}
	case ontology.CallStatusArrived:
		if call.Hospital != nil {
			result.Route = s.routes.Resolve(ctx, call.Location, *call.Hospital)
		}
	}

	go s.publishCallEvent(call, shared.EventTypeStatus, result.Route)
	return result, nil
}

// selectAndClaim picks the vehicle for a call and claims it atomically.
// With an explicit vehicle a claim conflict surfaces to the caller; with
// auto-selection the next-nearest candidate is tried, so two dispatchers
// racing over the same fleet each end up with a different vehicle.
func (s *Service) selectAndClaim(ctx context.Context, call *ontology.EmergencyCall, vehicleID *string, now time.Time) (*ontology.PresenceRecord, error) {
	since := now.Add(-s.cfg.LiveWindow)
	live, err := s.vehicles.ListLive(ctx, ontology.RoleVehicle, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list live vehicles: %w", err)
	}

	if vehicleID != nil {
		if err := s.claimVehicle(ctx, *vehicleID, call.ID, now); err != nil {
			return nil, err
		}
		for i := range live {
			if live[i].ActorID == *vehicleID {
				return &live[i], nil
			}
		}
		// Claimed a vehicle without live presence: legal, but there is
		// no origin for the route leg.
		return &ontology.PresenceRecord{ActorID: *vehicleID, Role: ontology.RoleVehicle,
			Position: ontology.Position{ActorID: *vehicleID,
				Latitude: call.Location.Latitude, Longitude: call.Location.Longitude}}, nil
	}

	if len(live) == 0 {
		return nil, fmt.Errorf("call %s: %w", call.ID, shared.ErrNoVehicleAvailable)
	}

	// Nearest first; ties go to the most recently updated position.
	sort.Slice(live, func(i, j int) bool {
		di := geomath.DistanceKm(live[i].Position.Coord(), call.Location)
		dj := geomath.DistanceKm(live[j].Position.Coord(), call.Location)
		if di != dj {
			return di < dj
		}
		return live[i].Position.CapturedAtMs > live[j].Position.CapturedAtMs
	})

	for i := range live {
		err := s.claimVehicle(ctx, live[i].ActorID, call.ID, now)
		if err == nil {
			return &live[i], nil
		}
		if !isConflict(err) {
			return nil, err
		}
		log.Debug().Str("vehicle", live[i].ActorID).Str("call", call.ID).
			Msg("Vehicle already claimed, trying next nearest")
	}

	return nil, fmt.Errorf("call %s: all live vehicles claimed: %w", call.ID, shared.ErrNoVehicleAvailable)
}

// claimVehicle is the compare-and-set: the vehicle_claims primary key
// admits exactly one active claim per vehicle. Re-claiming for the same
// call is idempotent.
func (s *Service) claimVehicle(ctx context.Context, vehicleID, callID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vehicle_claims (vehicle_id, call_id, claimed_at) VALUES (?, ?, ?)
		 ON CONFLICT(vehicle_id) DO NOTHING`,
		vehicleID, callID, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to claim vehicle %s: %w", vehicleID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var holder string
		if err := s.db.QueryRowContext(ctx,
			`SELECT call_id FROM vehicle_claims WHERE vehicle_id = ?`, vehicleID).Scan(&holder); err == nil && holder == callID {
			return nil
		}
		return fmt.Errorf("vehicle %s: %w", vehicleID, shared.ErrVehicleClaimed)
	}
	return nil
}

func (s *Service) releaseClaim(ctx context.Context, vehicleID, callID string) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vehicle_claims WHERE vehicle_id = ? AND call_id = ?`, vehicleID, callID); err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Msg("Failed to release vehicle claim")
	}
}

// FlagStaleCalls marks non-terminal calls whose assigned vehicle has gone
// silent. Flagging is advisory: completion stays an explicit transition.
func (s *Service) FlagStaleCalls(ctx context.Context) ([]string, error) {
	now := s.nowFunc()
	liveSince := now.Add(-s.cfg.StaleAfter)

	live, err := s.vehicles.ListLive(ctx, ontology.RoleVehicle, liveSince)
	if err != nil {
		return nil, fmt.Errorf("failed to list live vehicles: %w", err)
	}
	liveIDs := make(map[string]bool, len(live))
	for _, rec := range live {
		liveIDs[rec.ActorID] = true
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assigned_vehicle_id FROM emergency_calls
		 WHERE status IN (?, ?) AND assigned_vehicle_id IS NOT NULL AND flagged = 0`,
		ontology.CallStatusEnRoute, ontology.CallStatusArrived)
	if err != nil {
		return nil, fmt.Errorf("failed to query active calls: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var callID, vehicleID string
		if err := rows.Scan(&callID, &vehicleID); err != nil {
			return nil, err
		}
		if !liveIDs[vehicleID] {
			stale = append(stale, callID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, callID := range stale {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE emergency_calls SET flagged = 1, updated_at = ? WHERE id = ?`,
			now.UTC().Format(time.RFC3339), callID); err != nil {
			return nil, fmt.Errorf("failed to flag call %s: %w", callID, err)
		}
		log.Warn().Str("call", callID).Msg("Flagged stale call, assigned vehicle silent")
		if call, err := s.GetCall(ctx, callID); err == nil {
			go s.publishCallEvent(call, shared.EventTypeFlagged, nil)
		}
	}

	return stale, nil
}

func (s *Service) GetCall(ctx context.Context, id string) (*ontology.EmergencyCall, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, report_id, status, latitude, longitude, priority, assigned_vehicle_id,
		        hospital_latitude, hospital_longitude, flagged, created_at, updated_at
		 FROM emergency_calls WHERE id = ?`, id)

	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	call.StatusHistory = history
	return call, nil
}

func (s *Service) ListCalls(ctx context.Context, status string) ([]ontology.EmergencyCall, error) {
	query := `SELECT id, report_id, status, latitude, longitude, priority, assigned_vehicle_id,
	                 hospital_latitude, hospital_longitude, flagged, created_at, updated_at
	          FROM emergency_calls`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var calls []ontology.EmergencyCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

func (s *Service) loadHistory(ctx context.Context, callID string) ([]ontology.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, note, changed_at FROM call_status_history WHERE call_id = ? ORDER BY id`,
		callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", callID, err)
	}
	defer rows.Close()

	var history []ontology.StatusChange
	for rows.Next() {
		var change ontology.StatusChange
		var changedAt string
		if err := rows.Scan(&change.Status, &change.Note, &changedAt); err != nil {
			return nil, err
		}
		change.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		history = append(history, change)
	}
	return history, rows.Err()
}

func (s *Service) appendHistory(ctx context.Context, tx *sql.Tx, callID, status, note string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO call_status_history (call_id, status, note, changed_at) VALUES (?, ?, ?, ?)`,
		callID, status, note, at.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", callID, err)
	}
	return nil
}

func (s *Service) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) publishCallEvent(call *ontology.EmergencyCall, eventType string, route *ontology.RouteEstimate) {
	if s.bus == nil {
		return
	}

	event := shared.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Subject: shared.DispatchCallSubject(call.ID, eventType),
		Data: map[string]interface{}{
			"call_id": call.ID,
			"status":  call.Status,
			"call":    call,
		},
		Timestamp: time.Now().UTC(),
		Source:    "dispatch-service",
	}
	if route != nil {
		event.Data["route"] = route
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dispatch event")
		return
	}

	msgID := fmt.Sprintf("%s-%s-%d", call.ID, eventType, call.UpdatedAt.UnixNano())
	if err := s.bus.PublishWithDedup(event.Subject, data, msgID); err != nil {
		log.Error().Err(err).Str("subject", event.Subject).Msg("Failed to publish dispatch event")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, shared.ErrVehicleClaimed)
}

func scanCall(scanner interface{ Scan(...interface{}) error }) (*ontology.EmergencyCall, error) {
	var call ontology.EmergencyCall
	var assigned sql.NullString
	var hLat, hLon sql.NullFloat64
	var flagged int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&call.ID, &call.ReportID, &call.Status,
		&call.Location.Latitude, &call.Location.Longitude, &call.Priority,
		&assigned, &hLat, &hLon, &flagged, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if assigned.Valid {
		call.AssignedVehicleID = &assigned.String
	}
	if hLat.Valid && hLon.Valid {
		call.Hospital = &ontology.Coordinate{Latitude: hLat.Float64, Longitude: hLon.Float64}
	}
	call.Flagged = flagged == 1
	call.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	call.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &call, nil
}
