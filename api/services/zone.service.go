package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/shared"
)

var validate = validator.New()

// ZoneService owns the geofence zone table. The evaluator re-reads zones
// every tick, so edits here need no push notification to take effect.
type ZoneService struct {
	db *sql.DB
}

func (s *ZoneService) DB() *sql.DB {
	return s.db
}

func NewZoneService(db *sql.DB) *ZoneService {
	return &ZoneService{db: db}
}

func (s *ZoneService) CreateZone(req *ontology.UpsertZoneRequest) (*ontology.GeofenceZone, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%v: %w", err, shared.ErrDataInvalid)
	}

	zoneID := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO geofence_zones (id, name, latitude, longitude, radius_meters, kind, alerts_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		zoneID, req.Name, req.Center.Latitude, req.Center.Longitude, req.RadiusMeters,
		req.Kind, boolToInt(req.AlertsEnabled), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zone: %w", err)
	}

	return &ontology.GeofenceZone{
		ID:            zoneID,
		Name:          req.Name,
		Center:        req.Center,
		RadiusMeters:  req.RadiusMeters,
		Kind:          req.Kind,
		AlertsEnabled: req.AlertsEnabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ListZones satisfies the geofence evaluator's zone source.
func (s *ZoneService) ListZones(ctx context.Context) ([]ontology.GeofenceZone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, radius_meters, kind, alerts_enabled, created_at, updated_at
		 FROM geofence_zones ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []ontology.GeofenceZone
	for rows.Next() {
		zone, err := scanZone(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, *zone)
	}

	return zones, rows.Err()
}

func (s *ZoneService) GetZone(zoneID string) (*ontology.GeofenceZone, error) {
	row := s.db.QueryRow(
		`SELECT id, name, latitude, longitude, radius_meters, kind, alerts_enabled, created_at, updated_at
		 FROM geofence_zones WHERE id = ?`,
		zoneID,
	)

	zone, err := scanZone(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("zone %s: %w", zoneID, shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query zone: %w", err)
	}
	return zone, nil
}

func (s *ZoneService) UpdateZone(zoneID string, req *ontology.UpsertZoneRequest) (*ontology.GeofenceZone, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%v: %w", err, shared.ErrDataInvalid)
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE geofence_zones
		 SET name = ?, latitude = ?, longitude = ?, radius_meters = ?, kind = ?, alerts_enabled = ?, updated_at = ?
		 WHERE id = ?`,
		req.Name, req.Center.Latitude, req.Center.Longitude, req.RadiusMeters,
		req.Kind, boolToInt(req.AlertsEnabled), now.Format(time.RFC3339), zoneID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update zone: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return nil, fmt.Errorf("zone %s: %w", zoneID, shared.ErrNotFound)
	}

	return s.GetZone(zoneID)
}

func (s *ZoneService) DeleteZone(zoneID string) error {
	result, err := s.db.Exec("DELETE FROM geofence_zones WHERE id = ?", zoneID)
	if err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("zone %s: %w", zoneID, shared.ErrNotFound)
	}

	return nil
}

func scanZone(scan func(...interface{}) error) (*ontology.GeofenceZone, error) {
	var zone ontology.GeofenceZone
	var alertsEnabled int
	var createdAt, updatedAt string

	err := scan(&zone.ID, &zone.Name, &zone.Center.Latitude, &zone.Center.Longitude,
		&zone.RadiusMeters, &zone.Kind, &alertsEnabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	zone.AlertsEnabled = alertsEnabled != 0
	zone.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	zone.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &zone, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
