package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/ledger"
	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
	testutil "github.com/groundseg/missiond/internal/testing"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSeedData() config.SeedData {
	return config.SeedData{
		Stations: []models.GroundStation{
			testutil.NewTestGroundStation(testutil.StationOpts{}),
			testutil.NewTestGroundStation(testutil.StationOpts{ID: testutil.TestStationAltID, Code: "KIRUNA"}),
		},
		Windows: []models.ContactWindow{
			testutil.NewTestContactWindow(testutil.WindowOpts{ID: "win-1", AOS: time.Now().Add(time.Minute)}),
		},
		Satellites: []models.SatelliteState{
			{SatelliteID: "SAT-1", Energy: 90, MemoryUsed: 10},
		},
	}
}

func TestApplySeedIsIdempotent(t *testing.T) {
	store := openStore(t)
	led := ledger.NewMemoryLedger()
	ctx := context.Background()

	report, err := ApplySeed(ctx, store, led, testSeedData())
	require.NoError(t, err)
	assert.Equal(t, SeedReport{StationsCreated: 2, WindowsCreated: 1, SatellitesAssigned: 1}, report)

	report, err = ApplySeed(ctx, store, led, testSeedData())
	require.NoError(t, err)
	assert.Equal(t, SeedReport{StationsSkipped: 2, WindowsSkipped: 1, SatellitesAssigned: 1}, report)

	stations, err := store.ListGroundStations(ctx)
	require.NoError(t, err)
	assert.Len(t, stations, 2)
	state, err := led.GetState(ctx, "SAT-1")
	require.NoError(t, err)
	assert.InDelta(t, 90, state.Energy, 1e-9)
}

func TestApplySeedNeedsSeeder(t *testing.T) {
	store := openStore(t)
	_, err := ApplySeed(context.Background(), store, nil, testSeedData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger does not accept seed state")
}

func TestOpenLedger(t *testing.T) {
	led, closeFn, err := OpenLedger(config.LedgerConfig{Backend: config.LedgerMemory})
	require.NoError(t, err)
	defer closeFn()
	_, ok := led.(*ledger.MemoryLedger)
	assert.True(t, ok)

	_, _, err = OpenLedger(config.LedgerConfig{Backend: "redis"})
	require.Error(t, err)
}

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(config.DefaultConfig(), Deps{})
	require.Error(t, err)
	_, err = NewService(config.DefaultConfig(), Deps{Store: openStore(t)})
	require.Error(t, err)
}

func serviceConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.Executor = fastExecutorConfig()
	cfg.Scheduler.DispatchInterval = 10 * time.Millisecond
	cfg.Scheduler.RetryBackoff = time.Millisecond
	cfg.Scheduler.MaxRetryBackoff = time.Millisecond
	cfg.Downlink.CleanupInterval = 10 * time.Millisecond
	return cfg
}

func TestServiceServesMissions(t *testing.T) {
	store := openStore(t)
	led := ledger.NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := ApplySeed(ctx, store, led, testSeedData())
	require.NoError(t, err)

	rec := &notify.Recorder{}
	svc, err := NewService(serviceConfig(), Deps{Store: store, Ledger: led, Events: rec, Alarms: rec})
	require.NoError(t, err)
	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve(ctx) }()

	base := fmt.Sprintf("http://%s", svc.MetricsAddr())
	health := httpGet(t, base+"/healthz")
	assert.Equal(t, "ok", health)

	imaging, err := svc.Scheduler().Submit(ctx, MissionRequest{
		Type:           models.MissionImaging,
		SatelliteID:    "SAT-1",
		Priority:       models.PriorityHigh,
		RequiredEnergy: 20,
		RequiredMemory: 15,
	})
	require.NoError(t, err)
	downlinkMission, err := svc.Scheduler().Submit(ctx, MissionRequest{
		Type:              models.MissionDownlink,
		SatelliteID:       "SAT-1",
		RequiredBandwidth: 25,
		Payload:           map[string]any{"data_mb": 64},
	})
	require.NoError(t, err)

	for _, id := range []string{imaging.ID, downlinkMission.ID} {
		testutil.Eventually(t, func() bool {
			m, err := store.GetMission(context.Background(), id)
			return err == nil && m.Status == models.MissionCompleted
		}, "mission %s did not complete", id)
	}

	var kinds []string
	testutil.Eventually(t, func() bool {
		events, err := store.ListEventsByMission(context.Background(), imaging.ID, 10)
		if err != nil {
			return false
		}
		kinds = kinds[:0]
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
		return len(kinds) >= 3
	})
	assert.Subset(t, kinds, []string{"mission.submitted", "mission.started", "mission.completed"})
	assert.NotEmpty(t, rec.EventsNamed(string(EventKindDownlinkAllocated)))

	metrics := httpGet(t, base+"/metrics")
	assert.Contains(t, metrics, "missiond_build_info")
	assert.Contains(t, metrics, "missiond_mission_outcomes_total")
	assert.Contains(t, metrics, "missiond_downlink_requests_total")

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
	testutil.Eventually(t, func() bool {
		_, err := svc.Scheduler().Submit(context.Background(), MissionRequest{Type: models.MissionImaging, SatelliteID: "SAT-1"})
		return errors.Is(err, ErrSchedulerStopped)
	})
}

func TestServiceWithoutMetricsListener(t *testing.T) {
	cfg := serviceConfig()
	cfg.MetricsListen = ""
	svc, err := NewService(cfg, Deps{Store: openStore(t), Ledger: ledger.NewMemoryLedger()})
	require.NoError(t, err)
	assert.Nil(t, svc.MetricsAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Serve(ctx))
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d: %s", url, resp.StatusCode, body)
	}
	return strings.TrimSpace(string(body))
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ValidationError{}, errorCodeValidation},
		{&ResourceReservationFailedError{Err: ledger.ErrSatelliteNotFound}, errorCodeReservation},
		{&UnknownMissionTypeError{Type: "teleport"}, errorCodeUnknownType},
		{&NotRunningError{MissionID: "m"}, errorCodeNotRunning},
		{&NotFoundError{Kind: "mission", ID: "m"}, errorCodeNotFound},
		{&NoAvailableWindowError{SatelliteID: "SAT-1"}, errorCodeNoWindow},
		{&DeadlineExceededError{MissionID: "m"}, errorCodeDeadline},
		{&ExecutionTimeoutError{MissionID: "m"}, errorCodeTimeout},
		{&missionCrashError{Value: "boom"}, errorCodeCrash},
		{&PersistenceError{MissionID: "m", Op: "complete", Err: errors.New("disk full")}, errorCodePersistence},
		{fmt.Errorf("execute: %w", ErrMissionAlreadyRunning), errorCodeAlreadyRunning},
		{ErrMissionCanceled, errorCodeCanceled},
		{fmt.Errorf("wrapped: %w", &NotFoundError{Kind: "contact window", ID: "w"}), errorCodeNotFound},
		{errors.New("disk on fire"), errorCodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorCode(tc.err), "%v", tc.err)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Violations: []Violation{
		{Field: "type", Message: "is required"},
		{Field: "required_energy", Message: "must be within [0, 100]"},
	}}
	assert.Equal(t, "validation failed: type: is required; required_energy: must be within [0, 100]", err.Error())
	assert.Equal(t, []string{"type", "required_energy"}, err.Fields())
}
