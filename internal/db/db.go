// Package db provides relational persistence for missiond.
//
// This package handles all database operations including:
//   - Connection management for SQLite (default) and PostgreSQL
//   - Schema migrations
//   - CRUD operations for missions, ground stations and contact windows
//   - Event logging and querying
//
// SQLite runs with WAL mode and a single open connection. PostgreSQL uses the
// driver's pool. Queries are written with `?` placeholders and rebound to `$n`
// for PostgreSQL.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750 // Permissions for database directory (owner full, group read+exec)
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store holds the database handle for missiond.
//
// Example usage:
//
//	store, err := db.Open("/var/lib/missiond/missiond.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	mission, err := store.GetMission(ctx, id)
type Store struct {
	Path   string
	Driver string
	DB     *sql.DB
}

// Open connects to a SQLite database file, applies pragmas, and runs migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return OpenDriver(DriverSQLite, path)
}

// OpenDriver connects using the named driver and data source, then runs migrations.
//
// For DriverSQLite the source is a file path; for DriverPostgres it is a libpq
// connection string or URL.
func OpenDriver(driver, source string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if source == "" {
		return nil, errors.New("db source is required")
	}
	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := applyPragmas(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	store := &Store{Path: source, Driver: driver, DB: conn}
	if err := store.Migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
//
// It is safe to call Close on a nil Store or a Store with a nil DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return rebind(s.Driver, query)
}

// rebind rewrites `?` placeholders to `$n` for PostgreSQL.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("db directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create db dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}
