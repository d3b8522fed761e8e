// ABOUTME: Mission database operations for creating, retrieving, and transitioning missions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

const missionColumns = `id, type, satellite_id, priority, status, required_energy, required_memory, required_bandwidth,
		payload_json, result_json, failure_reason, retry_count, max_retries, deadline, next_attempt_at,
		created_at, started_at, completed_at, updated_at`

// CreateMission inserts a new mission row into the database.
func (s *Store) CreateMission(ctx context.Context, mission models.Mission) error {
	if err := s.ready(); err != nil {
		return err
	}
	if mission.ID == "" {
		return errors.New("mission id is required")
	}
	if mission.Type == "" {
		return errors.New("mission type is required")
	}
	if mission.SatelliteID == "" {
		return errors.New("mission satellite_id is required")
	}
	if mission.Status == "" {
		return errors.New("mission status is required")
	}
	now := time.Now().UTC()
	createdAt := mission.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := mission.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	payload, err := encodeJSON(mission.Payload)
	if err != nil {
		return fmt.Errorf("encode mission %s payload: %w", mission.ID, err)
	}
	result, err := encodeJSON(mission.Result)
	if err != nil {
		return fmt.Errorf("encode mission %s result: %w", mission.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, s.rebind(`INSERT INTO missions (
		id, type, satellite_id, priority, status, required_energy, required_memory, required_bandwidth,
		payload_json, result_json, failure_reason, retry_count, max_retries, deadline, next_attempt_at,
		created_at, started_at, completed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		mission.ID,
		string(mission.Type),
		mission.SatelliteID,
		int(mission.Priority),
		string(mission.Status),
		mission.RequiredEnergy,
		mission.RequiredMemory,
		mission.RequiredBandwidth,
		payload,
		result,
		nullIfEmpty(mission.FailureReason),
		mission.RetryCount,
		mission.MaxRetries,
		nullTime(mission.Deadline),
		nullTime(mission.NextAttemptAt),
		formatTime(createdAt),
		nullTime(mission.StartedAt),
		nullTime(mission.CompletedAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", mission.ID, err)
	}
	return nil
}

// GetMission loads a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (models.Mission, error) {
	if err := s.ready(); err != nil {
		return models.Mission{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+missionColumns+` FROM missions WHERE id = ?`), id)
	return scanMissionRow(row)
}

// ListMissionsByStatus returns missions in the given status ordered by submission time.
func (s *Store) ListMissionsByStatus(ctx context.Context, status models.MissionStatus, limit int) ([]models.Mission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if status == "" {
		return nil, errors.New("mission status is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT `+missionColumns+` FROM missions
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	return collectMissions(rows)
}

// ListDispatchable returns pending missions whose retry delay has elapsed at now,
// ordered by submission time.
func (s *Store) ListDispatchable(ctx context.Context, now time.Time) ([]models.Mission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT `+missionColumns+` FROM missions
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC`), string(models.MissionPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list dispatchable missions: %w", err)
	}
	return collectMissions(rows)
}

// CountMissionsByStatus returns a count of missions grouped by status.
func (s *Store) CountMissionsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count missions: %w", err)
	}
	defer rows.Close()
	out := make(map[models.MissionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan mission count: %w", err)
		}
		if status == "" {
			continue
		}
		out[models.MissionStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mission counts: %w", err)
	}
	return out, nil
}

// StartMission moves a pending mission to running and returns the updated row.
//
// Returns sql.ErrNoRows if the mission does not exist and ErrStateConflict if it is
// not pending.
func (s *Store) StartMission(ctx context.Context, id string, startedAt time.Time) (models.Mission, error) {
	if err := s.ready(); err != nil {
		return models.Mission{}, err
	}
	if id == "" {
		return models.Mission{}, errors.New("mission id is required")
	}
	ts := formatTime(startedAt)
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE missions SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.MissionRunning), ts, ts, id, string(models.MissionPending))
	if err != nil {
		return models.Mission{}, fmt.Errorf("start mission %s: %w", id, err)
	}
	if err := s.affectedOrMissing(res, "missions", id); err != nil {
		return models.Mission{}, err
	}
	return s.GetMission(ctx, id)
}

// CompleteMission records the result of a running mission.
func (s *Store) CompleteMission(ctx context.Context, id string, result map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("mission id is required")
	}
	encoded, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("encode mission %s result: %w", id, err)
	}
	ts := formatTime(time.Now())
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE missions SET status = ?, result_json = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.MissionCompleted), encoded, ts, ts, id, string(models.MissionRunning))
	if err != nil {
		return fmt.Errorf("complete mission %s: %w", id, err)
	}
	return s.affectedOrMissing(res, "missions", id)
}

// FailMission marks a pending or running mission failed with a reason.
func (s *Store) FailMission(ctx context.Context, id string, reason string) error {
	return s.finishMission(ctx, id, models.MissionFailed, reason)
}

// CancelMission marks a pending or running mission canceled with a reason.
func (s *Store) CancelMission(ctx context.Context, id string, reason string) error {
	return s.finishMission(ctx, id, models.MissionCanceled, reason)
}

// CancelPendingMission cancels a mission that has not been dispatched yet. It returns
// ErrStateConflict when the mission is no longer pending.
func (s *Store) CancelPendingMission(ctx context.Context, id string, reason string) error {
	return s.finishMission(ctx, id, models.MissionCanceled, reason, models.MissionPending)
}

func (s *Store) finishMission(ctx context.Context, id string, status models.MissionStatus, reason string, from ...models.MissionStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("mission id is required")
	}
	if len(from) == 0 {
		from = []models.MissionStatus{models.MissionPending, models.MissionRunning}
	}
	ts := formatTime(time.Now())
	args := []any{string(status), nullIfEmpty(strings.TrimSpace(reason)), ts, ts, id}
	placeholders := make([]string, 0, len(from))
	for _, st := range from {
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE missions SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`), args...)
	if err != nil {
		return fmt.Errorf("update mission %s %s: %w", id, status, err)
	}
	return s.affectedOrMissing(res, "missions", id)
}

// RetryMission re-queues a failed mission as a new attempt.
//
// The retry counter is incremented and the mission becomes dispatchable at
// nextAttemptAt. Returns ErrStateConflict when the mission is not failed or its
// retry budget is exhausted.
func (s *Store) RetryMission(ctx context.Context, id string, nextAttemptAt time.Time) (models.Mission, error) {
	if err := s.ready(); err != nil {
		return models.Mission{}, err
	}
	if id == "" {
		return models.Mission{}, errors.New("mission id is required")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE missions SET status = ?, retry_count = retry_count + 1,
		started_at = NULL, completed_at = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count + 1 < max_retries`),
		string(models.MissionPending), nullTime(nextAttemptAt), formatTime(time.Now()), id, string(models.MissionFailed))
	if err != nil {
		return models.Mission{}, fmt.Errorf("retry mission %s: %w", id, err)
	}
	if err := s.affectedOrMissing(res, "missions", id); err != nil {
		return models.Mission{}, err
	}
	return s.GetMission(ctx, id)
}

func collectMissions(rows *sql.Rows) ([]models.Mission, error) {
	defer rows.Close()
	var out []models.Mission
	for rows.Next() {
		mission, err := scanMissionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return out, nil
}

func scanMissionRow(scanner rowScanner) (models.Mission, error) {
	var mission models.Mission
	var missionType string
	var priority int
	var status string
	var payload sql.NullString
	var result sql.NullString
	var reason sql.NullString
	var deadline sql.NullString
	var nextAttempt sql.NullString
	var createdAt string
	var startedAt sql.NullString
	var completedAt sql.NullString
	var updatedAt string
	if err := scanner.Scan(
		&mission.ID,
		&missionType,
		&mission.SatelliteID,
		&priority,
		&status,
		&mission.RequiredEnergy,
		&mission.RequiredMemory,
		&mission.RequiredBandwidth,
		&payload,
		&result,
		&reason,
		&mission.RetryCount,
		&mission.MaxRetries,
		&deadline,
		&nextAttempt,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return models.Mission{}, err
	}
	if status == "" {
		return models.Mission{}, errors.New("mission status missing")
	}
	mission.Type = models.MissionType(missionType)
	mission.Priority = models.Priority(priority)
	mission.Status = models.MissionStatus(status)
	if reason.Valid {
		mission.FailureReason = reason.String
	}
	var err error
	if mission.Payload, err = decodeJSON(payload); err != nil {
		return models.Mission{}, fmt.Errorf("decode payload: %w", err)
	}
	if mission.Result, err = decodeJSON(result); err != nil {
		return models.Mission{}, fmt.Errorf("decode result: %w", err)
	}
	if mission.Deadline, err = parseNullTime(deadline); err != nil {
		return models.Mission{}, fmt.Errorf("parse deadline: %w", err)
	}
	if mission.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return models.Mission{}, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	if mission.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Mission{}, fmt.Errorf("parse created_at: %w", err)
	}
	if mission.StartedAt, err = parseNullTime(startedAt); err != nil {
		return models.Mission{}, fmt.Errorf("parse started_at: %w", err)
	}
	if mission.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.Mission{}, fmt.Errorf("parse completed_at: %w", err)
	}
	if mission.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Mission{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return mission, nil
}
