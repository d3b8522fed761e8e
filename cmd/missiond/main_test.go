package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/buildinfo"
	"github.com/groundseg/missiond/internal/db"
)

const testSeed = `
ground_stations:
  - code: SVALBARD
    bandwidth_mbps: 100
  - code: KIRUNA
    bandwidth_mbps: 50
contact_windows:
  - satellite_id: SAT-1
    station: SVALBARD
    aos: "+60s"
    duration: 10m
satellites:
  - id: SAT-1
    energy: 80
    memory_used: 10
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "missiond.db")
	path := filepath.Join(dir, "config.yaml")
	content := "db_path: " + dbPath + "\nlog:\n  level: error\n  format: json\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dbPath
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, buildinfo.String()+"\n", out)
}

func TestMigrateCreatesDatabase(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	out, err := execute(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "database ready (sqlite)")

	store, err := db.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	stations, err := store.ListGroundStations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stations)
}

func TestMissingConfigFails(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat config")
}

func TestWorldReadableConfigRejected(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	require.NoError(t, os.Chmod(cfgPath, 0o644))
	_, err := execute(t, "--config", cfgPath, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be accessible by others")
}

func TestInvalidLogLevelOverride(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "--log-level", "chatty", "migrate")
	require.Error(t, err)
}

func TestSeedCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	seedPath := filepath.Join(filepath.Dir(cfgPath), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	out, err := execute(t, "--config", cfgPath, "seed", "--file", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "stations: 2 created, 0 skipped")
	assert.Contains(t, out, "windows: 1 created, 0 skipped")
	assert.Contains(t, out, "satellites: 1")

	out, err = execute(t, "--config", cfgPath, "seed", "--file", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "stations: 0 created, 2 skipped")
	assert.Contains(t, out, "windows: 0 created, 1 skipped")

	store, err := db.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	station, err := store.GetGroundStationByCode(context.Background(), "SVALBARD")
	require.NoError(t, err)
	assert.Equal(t, "gs-svalbard", station.ID)
}

func TestSeedRequiresFile(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "seed")
	require.EqualError(t, err, "--file is required when seed_file is not configured")
}
