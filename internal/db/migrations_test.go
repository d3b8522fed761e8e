package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		err = Migrate(conn)
		require.NoError(t, err)

		rows, err := conn.Query("SELECT version FROM schema_migrations ORDER BY version")
		require.NoError(t, err)
		defer rows.Close()

		versions := []int{}
		for rows.Next() {
			var v int
			require.NoError(t, rows.Scan(&v))
			versions = append(versions, v)
		}
		assert.Equal(t, []int{1, 2}, versions)
	})

	t.Run("idempotent - re-running is safe", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, len(migrations), count)
	})

	t.Run("creates all core tables", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		for _, table := range []string{"missions", "ground_stations", "contact_windows", "events"} {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "table %s should exist", table)
		}
	})

	t.Run("creates indexes", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		indexes := []string{
			"idx_missions_status", "idx_missions_satellite", "idx_windows_satellite",
			"idx_windows_station", "idx_windows_los", "idx_events_mission", "idx_events_kind",
		}
		for _, index := range indexes {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "index %s should exist", index)
		}
	})

	t.Run("retry schedule column", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('missions') WHERE name='next_attempt_at'").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("nil db", func(t *testing.T) {
		err := Migrate(nil)
		assert.EqualError(t, err, "db is nil")
	})
}

func TestRebind(t *testing.T) {
	query := `SELECT * FROM missions WHERE id = ? AND status IN (?, ?)`
	assert.Equal(t, query, rebind(DriverSQLite, query))
	assert.Equal(t, `SELECT * FROM missions WHERE id = $1 AND status IN ($2, $3)`, rebind(DriverPostgres, query))
}

func TestOpenDriverRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDriver("mysql", "whatever")
	assert.EqualError(t, err, `unsupported db driver "mysql"`)
}
