// ABOUTME: Ground station database operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

const stationColumns = `id, code, name, latitude, longitude, altitude_m, bandwidth_mbps, min_elevation_deg,
		status, current_load, created_at, updated_at`

// CreateGroundStation inserts a ground station row.
func (s *Store) CreateGroundStation(ctx context.Context, station models.GroundStation) error {
	if err := s.ready(); err != nil {
		return err
	}
	if station.ID == "" {
		return errors.New("ground station id is required")
	}
	if station.Code == "" {
		return errors.New("ground station code is required")
	}
	if station.BandwidthMbps <= 0 {
		return errors.New("ground station bandwidth_mbps must be positive")
	}
	if station.Status == "" {
		station.Status = models.StationOnline
	}
	now := time.Now().UTC()
	createdAt := station.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := station.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO ground_stations (
		id, code, name, latitude, longitude, altitude_m, bandwidth_mbps, min_elevation_deg,
		status, current_load, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		station.ID,
		station.Code,
		nullIfEmpty(station.Name),
		station.Latitude,
		station.Longitude,
		station.AltitudeM,
		station.BandwidthMbps,
		station.MinElevationDeg,
		string(station.Status),
		station.CurrentLoad,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ground station %s: %w", station.ID, err)
	}
	return nil
}

// GetGroundStation loads a ground station by id.
func (s *Store) GetGroundStation(ctx context.Context, id string) (models.GroundStation, error) {
	if err := s.ready(); err != nil {
		return models.GroundStation{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+stationColumns+` FROM ground_stations WHERE id = ?`), id)
	return scanStationRow(row)
}

// GetGroundStationByCode loads a ground station by its unique code.
func (s *Store) GetGroundStationByCode(ctx context.Context, code string) (models.GroundStation, error) {
	if err := s.ready(); err != nil {
		return models.GroundStation{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+stationColumns+` FROM ground_stations WHERE code = ?`), code)
	return scanStationRow(row)
}

// ListGroundStations returns all ground stations ordered by code.
func (s *Store) ListGroundStations(ctx context.Context) ([]models.GroundStation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stationColumns+` FROM ground_stations ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ground stations: %w", err)
	}
	defer rows.Close()
	var out []models.GroundStation
	for rows.Next() {
		station, err := scanStationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, station)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ground stations: %w", err)
	}
	return out, nil
}

// UpdateGroundStationStatus sets the operational status of a ground station.
func (s *Store) UpdateGroundStationStatus(ctx context.Context, id string, status models.StationStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	if status == "" {
		return errors.New("ground station status is required")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE ground_stations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update ground station %s status: %w", id, err)
	}
	return s.affectedOrMissing(res, "ground_stations", id)
}

// UpdateGroundStationLoad records the station's current load percentage.
func (s *Store) UpdateGroundStationLoad(ctx context.Context, id string, load float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE ground_stations SET current_load = ?, updated_at = ? WHERE id = ?`),
		load, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update ground station %s load: %w", id, err)
	}
	return s.affectedOrMissing(res, "ground_stations", id)
}

// RefreshGroundStationLoad sets current_load to the share of the station's bandwidth
// allocated on its scheduled and active windows, in one statement.
func (s *Store) RefreshGroundStationLoad(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	const allocated = `(SELECT COALESCE(SUM(w.allocated_bandwidth), 0) FROM contact_windows w
			WHERE w.ground_station_id = ground_stations.id AND w.status IN (?, ?))`
	scheduled, active := string(models.WindowScheduled), string(models.WindowActive)
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE ground_stations SET current_load = CASE
			WHEN 100.0 * `+allocated+` / bandwidth_mbps > 100 THEN 100
			ELSE 100.0 * `+allocated+` / bandwidth_mbps END,
		updated_at = ? WHERE id = ?`),
		scheduled, active, scheduled, active, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("refresh ground station %s load: %w", id, err)
	}
	return s.affectedOrMissing(res, "ground_stations", id)
}

func scanStationRow(scanner rowScanner) (models.GroundStation, error) {
	var station models.GroundStation
	var name sql.NullString
	var status string
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&station.ID,
		&station.Code,
		&name,
		&station.Latitude,
		&station.Longitude,
		&station.AltitudeM,
		&station.BandwidthMbps,
		&station.MinElevationDeg,
		&status,
		&station.CurrentLoad,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.GroundStation{}, err
	}
	if name.Valid {
		station.Name = name.String
	}
	station.Status = models.StationStatus(status)
	var err error
	if station.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.GroundStation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if station.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.GroundStation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return station, nil
}
