// ABOUTME: Contact window database operations including guarded bandwidth allocation.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

// bandwidthEpsilon absorbs float rounding when comparing allocations against capacity.
const bandwidthEpsilon = 1e-9

// overlapAllocated sums allocations held by other live windows on the same station
// whose interval intersects w.
const overlapAllocated = `(SELECT COALESCE(SUM(o.allocated_bandwidth), 0) FROM contact_windows o
		WHERE o.ground_station_id = w.ground_station_id AND o.id <> w.id AND o.status IN ('scheduled', 'active')
		AND o.aos < w.los AND o.los > w.aos)`

const windowColumns = `w.id, w.satellite_id, w.ground_station_id, w.aos, w.los, w.max_elevation_deg,
		w.allocated_bandwidth, w.status, w.data_transferred_mb, w.created_at, w.updated_at`

// WindowQuery constrains FindBestWindow.
type WindowQuery struct {
	SatelliteID string
	Bandwidth   float64
	MinDuration time.Duration
	// After excludes windows whose AOS is not strictly later.
	After time.Time
	// Before, when set, excludes windows whose AOS is not strictly earlier.
	Before time.Time
}

// CreateContactWindow inserts a contact window. DurationSeconds is derived from AOS and LOS.
func (s *Store) CreateContactWindow(ctx context.Context, window models.ContactWindow) error {
	if err := s.ready(); err != nil {
		return err
	}
	if window.ID == "" {
		return errors.New("contact window id is required")
	}
	if window.SatelliteID == "" {
		return errors.New("contact window satellite_id is required")
	}
	if window.GroundStationID == "" {
		return errors.New("contact window ground_station_id is required")
	}
	if window.AOS.IsZero() || window.LOS.IsZero() {
		return errors.New("contact window aos and los are required")
	}
	if !window.LOS.After(window.AOS) {
		return errors.New("contact window los must be after aos")
	}
	if window.AllocatedBandwidth < 0 {
		return errors.New("contact window allocated_bandwidth must be non-negative")
	}
	if window.Status == "" {
		window.Status = models.WindowScheduled
	}
	now := time.Now().UTC()
	createdAt := window.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := window.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO contact_windows (
		id, satellite_id, ground_station_id, aos, los, duration_seconds, max_elevation_deg,
		allocated_bandwidth, status, data_transferred_mb, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		window.ID,
		window.SatelliteID,
		window.GroundStationID,
		formatTime(window.AOS),
		formatTime(window.LOS),
		window.DurationSeconds(),
		window.MaxElevationDeg,
		window.AllocatedBandwidth,
		string(window.Status),
		window.DataTransferredMB,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert contact window %s: %w", window.ID, err)
	}
	return nil
}

// GetContactWindow loads a contact window by id.
func (s *Store) GetContactWindow(ctx context.Context, id string) (models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return models.ContactWindow{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+windowColumns+` FROM contact_windows w WHERE w.id = ?`), id)
	return scanWindowRow(row)
}

// FindBestWindow returns the earliest scheduled window on an online station that
// satisfies q. Ties on AOS resolve by window id. Returns sql.ErrNoRows when no
// window qualifies.
//
// Remaining capacity is the station bandwidth less this window's allocation and the
// allocations of every other live window on the station that overlaps it in time.
func (s *Store) FindBestWindow(ctx context.Context, q WindowQuery) (models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return models.ContactWindow{}, err
	}
	if q.SatelliteID == "" {
		return models.ContactWindow{}, errors.New("satellite id is required")
	}
	query := `SELECT ` + windowColumns + ` FROM contact_windows w
		JOIN ground_stations g ON g.id = w.ground_station_id
		WHERE w.satellite_id = ? AND w.status = ? AND g.status = ?
		AND w.duration_seconds >= ?
		AND g.bandwidth_mbps - w.allocated_bandwidth - ` + overlapAllocated + ` + ? >= ?
		AND w.aos > ?`
	args := []any{
		q.SatelliteID,
		string(models.WindowScheduled),
		string(models.StationOnline),
		q.MinDuration.Seconds(),
		bandwidthEpsilon,
		q.Bandwidth,
		formatTime(q.After),
	}
	if !q.Before.IsZero() {
		query += ` AND w.aos < ?`
		args = append(args, formatTime(q.Before))
	}
	query += ` ORDER BY w.aos ASC, w.id ASC LIMIT 1`
	row := s.DB.QueryRowContext(ctx, s.rebind(query), args...)
	return scanWindowRow(row)
}

// AllocateBandwidth adds amount to a scheduled window's allocation when the owning
// station still has capacity, and returns the updated window.
//
// The capacity check and increment run as one statement, counting overlapping
// windows on the same station. Returns ErrStateConflict when the window is not
// scheduled or the allocation would exceed capacity.
func (s *Store) AllocateBandwidth(ctx context.Context, id string, amount float64) (models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return models.ContactWindow{}, err
	}
	if amount < 0 {
		return models.ContactWindow{}, errors.New("bandwidth amount must be non-negative")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE contact_windows AS w
		SET allocated_bandwidth = allocated_bandwidth + ?, updated_at = ?
		WHERE w.id = ? AND w.status = ?
		AND w.allocated_bandwidth + `+overlapAllocated+` + ? <=
			(SELECT g.bandwidth_mbps FROM ground_stations g WHERE g.id = w.ground_station_id) + ?`),
		amount, formatTime(time.Now()), id, string(models.WindowScheduled), amount, bandwidthEpsilon)
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("allocate bandwidth on window %s: %w", id, err)
	}
	if err := s.affectedOrMissing(res, "contact_windows", id); err != nil {
		return models.ContactWindow{}, err
	}
	return s.GetContactWindow(ctx, id)
}

// ActivateContactWindow moves a scheduled window to active.
func (s *Store) ActivateContactWindow(ctx context.Context, id string) (models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return models.ContactWindow{}, err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE contact_windows SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.WindowActive), formatTime(time.Now()), id, string(models.WindowScheduled))
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("activate window %s: %w", id, err)
	}
	if err := s.affectedOrMissing(res, "contact_windows", id); err != nil {
		return models.ContactWindow{}, err
	}
	return s.GetContactWindow(ctx, id)
}

// CompleteContactWindow marks a scheduled or active window completed with its final transfer total.
func (s *Store) CompleteContactWindow(ctx context.Context, id string, totalMB float64) (models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return models.ContactWindow{}, err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE contact_windows SET status = ?, data_transferred_mb = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		string(models.WindowCompleted), totalMB, formatTime(time.Now()), id,
		string(models.WindowScheduled), string(models.WindowActive))
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("complete window %s: %w", id, err)
	}
	if err := s.affectedOrMissing(res, "contact_windows", id); err != nil {
		return models.ContactWindow{}, err
	}
	return s.GetContactWindow(ctx, id)
}

// AddTransferredData accumulates transferred megabytes on a window.
// It reports whether a window with that id existed.
func (s *Store) AddTransferredData(ctx context.Context, id string, mb float64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE contact_windows
		SET data_transferred_mb = data_transferred_mb + ?, updated_at = ? WHERE id = ?`),
		mb, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("add transfer to window %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected window %s: %w", id, err)
	}
	return affected > 0, nil
}

// ListActiveWindows returns scheduled or active windows whose [AOS, LOS] contains now.
func (s *Store) ListActiveWindows(ctx context.Context, now time.Time) ([]models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ts := formatTime(now)
	return s.queryWindows(ctx, `SELECT `+windowColumns+` FROM contact_windows w
		WHERE w.aos <= ? AND w.los >= ? AND w.status IN (?, ?)
		ORDER BY w.aos ASC, w.id ASC`,
		ts, ts, string(models.WindowScheduled), string(models.WindowActive))
}

// ListUpcomingWindows returns scheduled windows for a satellite with AOS after now.
func (s *Store) ListUpcomingWindows(ctx context.Context, satelliteID string, now time.Time, limit int) ([]models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if satelliteID == "" {
		return nil, errors.New("satellite id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryWindows(ctx, `SELECT `+windowColumns+` FROM contact_windows w
		WHERE w.satellite_id = ? AND w.status = ? AND w.aos > ?
		ORDER BY w.aos ASC, w.id ASC LIMIT ?`,
		satelliteID, string(models.WindowScheduled), formatTime(now), limit)
}

// ListWindowsByStation returns every window owned by a ground station ordered by AOS.
func (s *Store) ListWindowsByStation(ctx context.Context, stationID string) ([]models.ContactWindow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queryWindows(ctx, `SELECT `+windowColumns+` FROM contact_windows w
		WHERE w.ground_station_id = ? ORDER BY w.aos ASC, w.id ASC`, stationID)
}

// SumAllocatedByStation totals allocated bandwidth over a station's scheduled and active windows.
func (s *Store) SumAllocatedByStation(ctx context.Context, stationID string) (float64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var total float64
	err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(SUM(allocated_bandwidth), 0) FROM contact_windows
		WHERE ground_station_id = ? AND status IN (?, ?)`),
		stationID, string(models.WindowScheduled), string(models.WindowActive)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum allocated bandwidth for station %s: %w", stationID, err)
	}
	return total, nil
}

// MarkMissedWindows flags scheduled or active windows whose LOS is before now as missed.
func (s *Store) MarkMissedWindows(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ts := formatTime(now)
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE contact_windows SET status = ?, updated_at = ?
		WHERE los < ? AND status IN (?, ?)`),
		string(models.WindowMissed), ts, ts, string(models.WindowScheduled), string(models.WindowActive))
	if err != nil {
		return 0, fmt.Errorf("mark missed windows: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected missed windows: %w", err)
	}
	return affected, nil
}

// DeletePastWindows removes missed windows whose LOS is before cutoff.
func (s *Store) DeletePastWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`DELETE FROM contact_windows WHERE status = ? AND los < ?`),
		string(models.WindowMissed), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete past windows: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected past windows: %w", err)
	}
	return affected, nil
}

func (s *Store) queryWindows(ctx context.Context, query string, args ...any) ([]models.ContactWindow, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list contact windows: %w", err)
	}
	defer rows.Close()
	var out []models.ContactWindow
	for rows.Next() {
		window, err := scanWindowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, window)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact windows: %w", err)
	}
	return out, nil
}

func scanWindowRow(scanner rowScanner) (models.ContactWindow, error) {
	var window models.ContactWindow
	var aos, los string
	var status string
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&window.ID,
		&window.SatelliteID,
		&window.GroundStationID,
		&aos,
		&los,
		&window.MaxElevationDeg,
		&window.AllocatedBandwidth,
		&status,
		&window.DataTransferredMB,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.ContactWindow{}, err
	}
	window.Status = models.WindowStatus(status)
	var err error
	if window.AOS, err = parseTime(aos); err != nil {
		return models.ContactWindow{}, fmt.Errorf("parse aos: %w", err)
	}
	if window.LOS, err = parseTime(los); err != nil {
		return models.ContactWindow{}, fmt.Errorf("parse los: %w", err)
	}
	if window.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ContactWindow{}, fmt.Errorf("parse created_at: %w", err)
	}
	if window.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ContactWindow{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return window, nil
}
