package dispatch

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/geomath"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

type fakeLocator struct {
	mu   sync.Mutex
	recs []ontology.PresenceRecord
}

func (f *fakeLocator) ListLive(_ context.Context, role string, since time.Time) ([]ontology.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := since.UnixMilli()
	var out []ontology.PresenceRecord
	for _, rec := range f.recs {
		if rec.Role == role && rec.LastSeenMs >= cutoff {
			out = append(out, rec)
		}
	}
	return out, nil
}

type stubResolver struct {
	mu   sync.Mutex
	last *ontology.RouteEstimate
}

func (r *stubResolver) Resolve(_ context.Context, origin, dest ontology.Coordinate) *ontology.RouteEstimate {
	d := geomath.DistanceKm(origin, dest)
	est := &ontology.RouteEstimate{
		Origin:          origin,
		Destination:     dest,
		DistanceKm:      d,
		DurationMinutes: geomath.ETAMinutes(d, 0),
		Source:          ontology.RouteSourceStraightLine,
	}
	r.mu.Lock()
	r.last = est
	r.mu.Unlock()
	return est
}

func vehicleRecord(id string, lat, lon float64, lastSeen time.Time) ontology.PresenceRecord {
	return ontology.PresenceRecord{
		ActorID:     id,
		Role:        ontology.RoleVehicle,
		DisplayName: id,
		Position: ontology.Position{
			ActorID:      id,
			Latitude:     lat,
			Longitude:    lon,
			AccuracyM:    5,
			CapturedAtMs: lastSeen.UnixMilli(),
		},
		LastSeenMs: lastSeen.UnixMilli(),
	}
}

func newTestService(t *testing.T, locator *fakeLocator) (*Service, *stubResolver) {
	t.Helper()

	cfg := db.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "dispatch_test.db")
	dbService, err := db.New(cfg)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { dbService.Close() })

	routes := &stubResolver{}
	return NewService(dbService.GetDB(), locator, routes, nil, DefaultConfig()), routes
}

func mustCreateCall(t *testing.T, s *Service, lat, lon float64) *ontology.EmergencyCall {
	t.Helper()
	call, err := s.CreateCall(context.Background(), ontology.CreateCallRequest{
		ReportID: "report-1",
		Location: ontology.Coordinate{Latitude: lat, Longitude: lon},
		Priority: shared.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	return call
}

// TestTransition_BackwardRejected verifies arrived -> en_route is refused
// and the call is untouched.
func TestTransition_BackwardRejected(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	call := mustCreateCall(t, s, 0, 0)
	for _, status := range []string{ontology.CallStatusEnRoute, ontology.CallStatusArrived} {
		if _, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: status}); err != nil {
			t.Fatalf("forward transition to %s: %v", status, err)
		}
	}

	_, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusEnRoute})
	if !errors.Is(err, shared.ErrInvalidTransition) {
		t.Fatalf("backward transition err = %v, want %v", err, shared.ErrInvalidTransition)
	}

	got, err := s.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != ontology.CallStatusArrived {
		t.Errorf("status = %s, want %s (unchanged)", got.Status, ontology.CallStatusArrived)
	}
}

// TestTransition_SkippedStepRejected verifies received -> arrived is not a
// legal jump.
func TestTransition_SkippedStepRejected(t *testing.T) {
	s, _ := newTestService(t, &fakeLocator{})
	call := mustCreateCall(t, s, 0, 0)

	_, err := s.Transition(context.Background(), ontology.TransitionCallRequest{
		CallID: call.ID, Status: ontology.CallStatusArrived,
	})
	if !errors.Is(err, shared.ErrInvalidTransition) {
		t.Errorf("err = %v, want %v", err, shared.ErrInvalidTransition)
	}
}

// TestTransition_NoVehicleAvailable verifies en_route without any live
// vehicle is rejected rather than dispatching nobody.
func TestTransition_NoVehicleAvailable(t *testing.T) {
	s, _ := newTestService(t, &fakeLocator{})
	call := mustCreateCall(t, s, 0, 0)

	_, err := s.Transition(context.Background(), ontology.TransitionCallRequest{
		CallID: call.ID, Status: ontology.CallStatusEnRoute,
	})
	if !errors.Is(err, shared.ErrNoVehicleAvailable) {
		t.Errorf("err = %v, want %v", err, shared.ErrNoVehicleAvailable)
	}
}

// TestTransition_AutoSelectsNearestVehicle verifies the closest live
// vehicle wins, with ties broken by the freshest position.
func TestTransition_AutoSelectsNearestVehicle(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-far", 0.1, 0, now),
		vehicleRecord("vehicle-near", 0.002, 0, now),
	}}
	s, _ := newTestService(t, locator)

	call := mustCreateCall(t, s, 0, 0)
	result, err := s.Transition(context.Background(), ontology.TransitionCallRequest{
		CallID: call.ID, Status: ontology.CallStatusEnRoute,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	if result.Call.AssignedVehicleID == nil || *result.Call.AssignedVehicleID != "vehicle-near" {
		t.Errorf("assigned = %v, want vehicle-near", result.Call.AssignedVehicleID)
	}
	if result.Route == nil {
		t.Error("expected a route for the en_route transition")
	}
}

// TestTransition_DoubleClaimConflict races two calls over one vehicle and
// expects exactly one success and one conflict.
func TestTransition_DoubleClaimConflict(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	callA := mustCreateCall(t, s, 0, 0)
	callB := mustCreateCall(t, s, 0.01, 0)

	vehicleID := "vehicle-1"
	results := make(chan error, 2)
	for _, id := range []string{callA.ID, callB.ID} {
		go func(callID string) {
			_, err := s.Transition(ctx, ontology.TransitionCallRequest{
				CallID: callID, Status: ontology.CallStatusEnRoute, VehicleID: &vehicleID,
			})
			results <- err
		}(id)
	}

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			successes++
		case errors.Is(err, shared.ErrVehicleClaimed):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and 1", successes, conflicts)
	}
}

// TestTransition_ClaimReleasedOnCompletion verifies a completed call frees
// its vehicle for the next dispatch.
func TestTransition_ClaimReleasedOnCompletion(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	call := mustCreateCall(t, s, 0, 0)
	for _, status := range []string{ontology.CallStatusEnRoute, ontology.CallStatusArrived, ontology.CallStatusCompleted} {
		if _, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: status}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	next := mustCreateCall(t, s, 0.005, 0)
	result, err := s.Transition(ctx, ontology.TransitionCallRequest{
		CallID: next.ID, Status: ontology.CallStatusEnRoute,
	})
	if err != nil {
		t.Fatalf("vehicle should be claimable again: %v", err)
	}
	if *result.Call.AssignedVehicleID != "vehicle-1" {
		t.Errorf("assigned = %s, want vehicle-1", *result.Call.AssignedVehicleID)
	}
}

// TestTransition_HospitalLegOnArrival verifies arriving at a call with a
// hospital destination resolves the onward leg from the call location to
// the hospital.
func TestTransition_HospitalLegOnArrival(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	hospital := ontology.Coordinate{Latitude: 0.02, Longitude: 0}
	call, err := s.CreateCall(ctx, ontology.CreateCallRequest{
		ReportID: "report-1",
		Location: ontology.Coordinate{Latitude: 0, Longitude: 0},
		Hospital: &hospital,
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	if _, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusEnRoute}); err != nil {
		t.Fatalf("en_route: %v", err)
	}

	result, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusArrived})
	if err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if result.Route == nil {
		t.Fatal("no route resolved for the hospital leg")
	}
	if result.Route.Origin != call.Location || result.Route.Destination != hospital {
		t.Errorf("hospital leg = %+v -> %+v, want %+v -> %+v",
			result.Route.Origin, result.Route.Destination, call.Location, hospital)
	}
	// 0.02 degrees of latitude is about 2.22km.
	if math.Abs(result.Route.DistanceKm-2.22) > 0.03 {
		t.Errorf("hospital leg distance = %v, want ~2.22", result.Route.DistanceKm)
	}
}

// TestTransition_NoHospitalNoArrivalRoute verifies arriving at a call
// without a hospital destination resolves no onward leg.
func TestTransition_NoHospitalNoArrivalRoute(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	call := mustCreateCall(t, s, 0, 0)
	if _, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusEnRoute}); err != nil {
		t.Fatalf("en_route: %v", err)
	}

	result, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusArrived})
	if err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if result.Route != nil {
		t.Errorf("route = %+v, want nil without a hospital destination", result.Route)
	}
}

// TestFlagStaleCalls verifies a call whose vehicle went silent gets
// flagged but keeps its status.
func TestFlagStaleCalls(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0.001, 0, now),
	}}
	s, _ := newTestService(t, locator)
	ctx := context.Background()

	call := mustCreateCall(t, s, 0, 0)
	if _, err := s.Transition(ctx, ontology.TransitionCallRequest{CallID: call.ID, Status: ontology.CallStatusEnRoute}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Vehicle presence ages past the stale window.
	locator.mu.Lock()
	locator.recs[0].LastSeenMs = now.Add(-30 * time.Minute).UnixMilli()
	locator.mu.Unlock()

	flagged, err := s.FlagStaleCalls(ctx)
	if err != nil {
		t.Fatalf("flag stale: %v", err)
	}
	if len(flagged) != 1 || flagged[0] != call.ID {
		t.Fatalf("flagged = %v, want [%s]", flagged, call.ID)
	}

	got, _ := s.GetCall(ctx, call.ID)
	if !got.Flagged {
		t.Error("call not flagged")
	}
	if got.Status != ontology.CallStatusEnRoute {
		t.Errorf("status = %s; flagging must not complete the call", got.Status)
	}
}

// TestDispatchScenario runs the end-to-end path: a vehicle at the origin,
// a report ~1.1km north-east, auto-selection, route, and history.
func TestDispatchScenario(t *testing.T) {
	now := time.Now()
	locator := &fakeLocator{recs: []ontology.PresenceRecord{
		vehicleRecord("vehicle-1", 0, 0, now),
	}}
	s, routes := newTestService(t, locator)
	ctx := context.Background()

	call, err := s.CreateCall(ctx, ontology.CreateCallRequest{
		ReportID: "report-9",
		Location: ontology.Coordinate{Latitude: 0, Longitude: 0.01},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := s.Transition(ctx, ontology.TransitionCallRequest{
		CallID: call.ID, Status: ontology.CallStatusEnRoute,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	if *result.Call.AssignedVehicleID != "vehicle-1" {
		t.Errorf("assigned = %s, want vehicle-1", *result.Call.AssignedVehicleID)
	}
	if result.Route == nil {
		t.Fatal("no route resolved")
	}
	if math.Abs(result.Route.DistanceKm-1.11) > 0.02 {
		t.Errorf("route distance = %v, want ~1.11", result.Route.DistanceKm)
	}
	routes.mu.Lock()
	if routes.last == nil {
		t.Error("resolver not invoked")
	}
	routes.mu.Unlock()

	got, err := s.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StatusHistory) != 2 {
		t.Errorf("history = %d entries, want 2", len(got.StatusHistory))
	}
	if got.StatusHistory[0].Status != ontology.CallStatusReceived ||
		got.StatusHistory[1].Status != ontology.CallStatusEnRoute {
		t.Errorf("history order = %+v", got.StatusHistory)
	}
}
