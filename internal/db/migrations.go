// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS missions (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				satellite_id TEXT NOT NULL,
				priority INTEGER NOT NULL,
				status TEXT NOT NULL,
				required_energy DOUBLE PRECISION NOT NULL DEFAULT 0,
				required_memory DOUBLE PRECISION NOT NULL DEFAULT 0,
				required_bandwidth DOUBLE PRECISION NOT NULL DEFAULT 0,
				payload_json TEXT,
				result_json TEXT,
				failure_reason TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 0,
				deadline TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ground_stations (
				id TEXT PRIMARY KEY,
				code TEXT NOT NULL UNIQUE,
				name TEXT,
				latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
				longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
				altitude_m DOUBLE PRECISION NOT NULL DEFAULT 0,
				bandwidth_mbps DOUBLE PRECISION NOT NULL,
				min_elevation_deg DOUBLE PRECISION NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				current_load DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS contact_windows (
				id TEXT PRIMARY KEY,
				satellite_id TEXT NOT NULL,
				ground_station_id TEXT NOT NULL,
				aos TEXT NOT NULL,
				los TEXT NOT NULL,
				duration_seconds DOUBLE PRECISION NOT NULL,
				max_elevation_deg DOUBLE PRECISION NOT NULL DEFAULT 0,
				allocated_bandwidth DOUBLE PRECISION NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				data_transferred_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY(ground_station_id) REFERENCES ground_stations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				mission_id TEXT,
				window_id TEXT,
				satellite_id TEXT,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_missions_satellite ON missions(satellite_id)`,
			`CREATE INDEX IF NOT EXISTS idx_windows_satellite ON contact_windows(satellite_id, status, aos)`,
			`CREATE INDEX IF NOT EXISTS idx_windows_station ON contact_windows(ground_station_id)`,
			`CREATE INDEX IF NOT EXISTS idx_windows_los ON contact_windows(los)`,
			`CREATE INDEX IF NOT EXISTS idx_events_mission ON events(mission_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		},
	},
	{
		version: 2,
		name:    "add_mission_retry_schedule",
		statements: []string{
			`ALTER TABLE missions ADD COLUMN next_attempt_at TEXT`,
		},
	},
}

// Migrate runs any pending migrations against a SQLite database.
func Migrate(db *sql.DB) error {
	return MigrateDriver(db, DriverSQLite)
}

// Migrate runs pending migrations against the store's database.
func (s *Store) Migrate() error {
	if err := s.ready(); err != nil {
		return err
	}
	return MigrateDriver(s.DB, s.Driver)
}

// MigrateDriver runs any pending migrations against the provided database.
//
// This function:
//   - Enables foreign key constraints (SQLite)
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity. Returns an error if any step fails.
func MigrateDriver(db *sql.DB, driver string) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if driver == DriverSQLite {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, driver, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
//
// The schema_migrations table stores which migrations have been applied,
// ensuring each migration is only run once even if Migrate() is called
// multiple times.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
//
// Queries the schema_migrations table to determine which migrations have
// already been run, returning them as a set for fast lookup.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// This prevents a scenario where a migration was applied but then removed
// from the code, which would cause database schema drift. Returns an error
// if an applied migration version is not found in the defined migrations.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
//
// Runs all SQL statements for the migration in order. If any statement
// fails, the transaction is rolled back. On success, records the migration
// in schema_migrations before committing. Returns an error on failure.
func applyMigration(db *sql.DB, driver string, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := formatTime(time.Now())
	insert := rebind(driver, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.Exec(insert, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
//
// Validates:
//   - At least one migration exists
//   - All version numbers are positive
//   - No duplicate version numbers
//   - Versions are in ascending order
//   - All migrations have names
//
// Returns an error if any validation fails.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
