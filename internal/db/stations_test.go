package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/models"
	testutil "github.com/groundseg/missiond/internal/testing"
)

func TestGroundStations(t *testing.T) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{})

		got, err := store.GetGroundStation(ctx, testutil.TestStationID)
		require.NoError(t, err)
		assert.Equal(t, testutil.TestStationCode, got.Code)
		assert.Equal(t, 100.0, got.BandwidthMbps)
		assert.Equal(t, models.StationOnline, got.Status)

		byCode, err := store.GetGroundStationByCode(ctx, testutil.TestStationCode)
		require.NoError(t, err)
		assert.Equal(t, got.ID, byCode.ID)
	})

	t.Run("duplicate code rejected", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{})
		dup := testutil.NewTestGroundStation(testutil.StationOpts{ID: "gs-other"})
		assert.Error(t, store.CreateGroundStation(ctx, dup))
	})

	t.Run("bandwidth must be positive", func(t *testing.T) {
		store := openTestStore(t)
		station := testutil.NewTestGroundStation(testutil.StationOpts{})
		station.BandwidthMbps = 0
		assert.EqualError(t, store.CreateGroundStation(ctx, station), "ground station bandwidth_mbps must be positive")
	})

	t.Run("status and load updates", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{})

		require.NoError(t, store.UpdateGroundStationStatus(ctx, testutil.TestStationID, models.StationMaintenance))
		require.NoError(t, store.UpdateGroundStationLoad(ctx, testutil.TestStationID, 140))

		got, err := store.GetGroundStation(ctx, testutil.TestStationID)
		require.NoError(t, err)
		assert.Equal(t, models.StationMaintenance, got.Status)
		assert.Equal(t, 100.0, got.CurrentLoad)

		assert.ErrorIs(t, store.UpdateGroundStationLoad(ctx, "missing", 10), sql.ErrNoRows)
	})

	t.Run("load follows allocations", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{})
		seedWindow(t, store, testutil.WindowOpts{})

		_, err := store.AllocateBandwidth(ctx, "window-test-1", 40)
		require.NoError(t, err)
		require.NoError(t, store.RefreshGroundStationLoad(ctx, testutil.TestStationID))
		got, err := store.GetGroundStation(ctx, testutil.TestStationID)
		require.NoError(t, err)
		assert.InDelta(t, 40, got.CurrentLoad, 1e-9)

		_, err = store.CompleteContactWindow(ctx, "window-test-1", 120)
		require.NoError(t, err)
		require.NoError(t, store.RefreshGroundStationLoad(ctx, testutil.TestStationID))
		got, err = store.GetGroundStation(ctx, testutil.TestStationID)
		require.NoError(t, err)
		assert.InDelta(t, 0, got.CurrentLoad, 1e-9)

		assert.ErrorIs(t, store.RefreshGroundStationLoad(ctx, "missing"), sql.ErrNoRows)
	})

	t.Run("list ordered by code", func(t *testing.T) {
		store := openTestStore(t)
		seedStation(t, store, testutil.StationOpts{})
		seedStation(t, store, testutil.StationOpts{ID: testutil.TestStationAltID, Code: "KIRUNA"})

		stations, err := store.ListGroundStations(ctx)
		require.NoError(t, err)
		require.Len(t, stations, 2)
		assert.Equal(t, "KIRUNA", stations[0].Code)
		assert.Equal(t, testutil.TestStationCode, stations[1].Code)
	})
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "mission.started", MissionID: "m-1", SatelliteID: "SAT-1", Timestamp: testutil.FixedTime}))
	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "mission.completed", MissionID: "m-1", Message: "done", JSON: `{"images_captured":3}`, Timestamp: testutil.FixedTime.Add(1)}))
	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "mission.started", MissionID: "m-2"}))

	events, err := store.ListEventsByMission(ctx, "m-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "mission.started", events[0].Kind)
	assert.Equal(t, "SAT-1", events[0].SatelliteID)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, "done", events[1].Message)
	assert.JSONEq(t, `{"images_captured":3}`, events[1].JSON)

	started, err := store.ListEventsByKind(ctx, "mission.started", 10)
	require.NoError(t, err)
	assert.Len(t, started, 2)

	assert.EqualError(t, store.RecordEvent(ctx, Event{}), "event kind is required")
	_, err = store.ListEventsByMission(ctx, " ", 10)
	assert.EqualError(t, err, "mission id is required")
}
