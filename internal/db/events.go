package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is an append-only audit record of a mission or window transition.
type Event struct {
	ID          string
	Timestamp   time.Time
	Kind        string
	MissionID   string
	WindowID    string
	SatelliteID string
	Message     string
	JSON        string
}

// RecordEvent inserts an event row. A missing id or timestamp is filled in.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO events (id, ts, kind, mission_id, window_id, satellite_id, msg, json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID,
		formatTime(ev.Timestamp),
		ev.Kind,
		nullIfEmpty(ev.MissionID),
		nullIfEmpty(ev.WindowID),
		nullIfEmpty(ev.SatelliteID),
		nullIfEmpty(ev.Message),
		nullIfEmpty(ev.JSON),
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", ev.Kind, err)
	}
	return nil
}

// ListEventsByMission returns a mission's events in timestamp order.
func (s *Store) ListEventsByMission(ctx context.Context, missionID string, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		return nil, errors.New("mission id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryEvents(ctx, `SELECT id, ts, kind, mission_id, window_id, satellite_id, msg, json
		FROM events WHERE mission_id = ? ORDER BY ts ASC, id ASC LIMIT ?`, missionID, limit)
}

// ListEventsByKind returns events of one kind in timestamp order.
func (s *Store) ListEventsByKind(ctx context.Context, kind string, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if kind == "" {
		return nil, errors.New("event kind is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryEvents(ctx, `SELECT id, ts, kind, mission_id, window_id, satellite_id, msg, json
		FROM events WHERE kind = ? ORDER BY ts ASC, id ASC LIMIT ?`, kind, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner rowScanner) (Event, error) {
	var ev Event
	var ts string
	var missionID, windowID, satelliteID sql.NullString
	var msg, jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &missionID, &windowID, &satelliteID, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	ev.MissionID = missionID.String
	ev.WindowID = windowID.String
	ev.SatelliteID = satelliteID.String
	ev.Message = msg.String
	ev.JSON = jsonPayload.String
	return ev, nil
}
