package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrStateConflict reports that a row exists but was not in a state that allows the update.
var ErrStateConflict = errors.New("row state conflict")

type rowScanner interface {
	Scan(dest ...any) error
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, err
		}
	}
	return parsed.UTC(), nil
}

func parseNullTime(value sql.NullString) (time.Time, error) {
	if !value.Valid {
		return time.Time{}, nil
	}
	return parseTime(value.String)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func encodeJSON(value map[string]any) (interface{}, error) {
	if len(value) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

func decodeJSON(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// affectedOrMissing converts a zero-row conditional update into sql.ErrNoRows when the
// row does not exist, or ErrStateConflict when it exists in another state.
func (s *Store) affectedOrMissing(res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s %s: %w", table, id, err)
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = s.DB.QueryRow(s.rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	return ErrStateConflict
}
