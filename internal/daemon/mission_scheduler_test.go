package daemon

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/models"
	testutil "github.com/groundseg/missiond/internal/testing"
)

func TestSubmitAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	mission, err := h.scheduler.Submit(context.Background(), MissionRequest{
		Type:           models.MissionImaging,
		SatelliteID:    " SAT-1 ",
		RequiredEnergy: 10,
		Payload:        map[string]any{"target": "svalbard"},
	})
	require.NoError(t, err)

	_, err = uuid.Parse(mission.ID)
	assert.NoError(t, err, "generated id should be a uuid")
	assert.Equal(t, "SAT-1", mission.SatelliteID)
	assert.Equal(t, models.PriorityNormal, mission.Priority)
	assert.Equal(t, 3, mission.MaxRetries)
	assert.Equal(t, models.MissionPending, mission.Status)

	stored := h.mission(mission.ID)
	assert.Equal(t, "svalbard", stored.Payload["target"])
	submitted := h.events.EventsNamed(string(EventKindMissionSubmitted))
	require.Len(t, submitted, 1)
	assert.Equal(t, mission.ID, submitted[0].Payload["mission_id"])
}

func TestSubmitReportsEveryViolation(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.Submit(context.Background(), MissionRequest{
		Type:           "teleport",
		RequiredEnergy: 150,
		RequiredMemory: -1,
		MaxRetries:     -2,
		Deadline:       time.Now().Add(-time.Hour),
	})
	validation, ok := asError[*ValidationError](err)
	require.True(t, ok, "expected ValidationError, got %v", err)
	assert.ElementsMatch(t,
		[]string{"type", "satellite_id", "required_energy", "required_memory", "max_retries", "deadline"},
		validation.Fields())
	assert.Equal(t, errorCodeValidation, ErrorCode(err))

	counts, err := h.store.CountMissionsByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Empty(t, h.events.Events())
}

func TestSubmitValidatesDownlinkAndPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.Submit(context.Background(), MissionRequest{
		Type:        models.MissionDownlink,
		SatelliteID: "SAT-1",
		Priority:    models.Priority(9),
		Payload:     map[string]any{"data_mb": "lots"},
	})
	validation, ok := asError[*ValidationError](err)
	require.True(t, ok, "expected ValidationError, got %v", err)
	assert.ElementsMatch(t, []string{"priority", "required_bandwidth", "payload.data_mb"}, validation.Fields())
}

func TestDispatchOrdering(t *testing.T) {
	base := testutil.FixedTime
	missions := []models.Mission{
		{ID: "low", Priority: models.PriorityLow, CreatedAt: base},
		{ID: "normal-late", Priority: models.PriorityNormal, CreatedAt: base.Add(2 * time.Second)},
		{ID: "normal-early", Priority: models.PriorityNormal, CreatedAt: base.Add(time.Second)},
		{ID: "normal-deadline", Priority: models.PriorityNormal, CreatedAt: base.Add(3 * time.Second), Deadline: base.Add(time.Hour)},
		{ID: "normal-sooner", Priority: models.PriorityNormal, CreatedAt: base.Add(4 * time.Second), Deadline: base.Add(time.Minute)},
		{ID: "critical", Priority: models.PriorityCritical, CreatedAt: base.Add(5 * time.Second)},
		{ID: "normal-b", Priority: models.PriorityNormal, CreatedAt: base.Add(time.Second)},
	}
	sort.SliceStable(missions, func(i, j int) bool { return dispatchLess(missions[i], missions[j]) })

	var order []string
	for _, m := range missions {
		order = append(order, m.ID)
	}
	assert.Equal(t, []string{
		"critical",
		"normal-sooner",
		"normal-deadline",
		"normal-b",
		"normal-early",
		"normal-late",
		"low",
	}, order)
}

func TestDispatchPendingRespectsCapacity(t *testing.T) {
	h := newHarness(t)
	h.scheduler.cfg.MaxConcurrent = 2
	h.seedSatellite("SAT-1", 100, 0)
	g := newGate()
	defer g.release()
	h.executor.RegisterHandler(models.MissionImaging, g.handler)

	base := testutil.FixedTime
	h.createMission(testutil.MissionOpts{ID: "m-low", Priority: models.PriorityLow, CreatedAt: base})
	h.createMission(testutil.MissionOpts{ID: "m-normal", CreatedAt: base.Add(time.Second)})
	h.createMission(testutil.MissionOpts{ID: "m-high", Priority: models.PriorityHigh, CreatedAt: base.Add(2 * time.Second)})
	h.createMission(testutil.MissionOpts{ID: "m-critical", Priority: models.PriorityCritical, CreatedAt: base.Add(3 * time.Second)})

	report, err := h.scheduler.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m-critical", "m-high"}, report.Dispatched)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 2, h.executor.RunningCount())

	report, err = h.scheduler.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched, "no capacity left")
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, models.MissionPending, h.mission("m-low").Status)
}

func TestDispatchExpiresPastDeadline(t *testing.T) {
	h := newHarness(t)
	h.seedSatellite("SAT-1", 100, 0)
	h.createMission(testutil.MissionOpts{ID: "m-stale", Deadline: time.Now().Add(-time.Second)})
	h.createMission(testutil.MissionOpts{ID: "m-fresh", Deadline: time.Now().Add(time.Hour)})

	report, err := h.scheduler.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m-stale"}, report.Expired)
	assert.Equal(t, []string{"m-fresh"}, report.Dispatched)

	stale := h.mission("m-stale")
	assert.Equal(t, models.MissionFailed, stale.Status)
	assert.Equal(t, deadlineExceededReason, stale.FailureReason)
	alarms := h.events.AlarmsOfKind(AlarmMissionDeadlineExceeded)
	require.Len(t, alarms, 1)
	assert.Equal(t, "mission:m-stale", alarms[0].Scope)

	h.waitStatus("m-fresh", models.MissionCompleted)
	status, err := h.scheduler.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Expired)
}

func TestFailedMissionRetriesUntilBudgetSpent(t *testing.T) {
	h := newHarness(t)
	h.seedSatellite("SAT-1", 100, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.scheduler.Start(ctx)

	mission, err := h.scheduler.Submit(ctx, MissionRequest{
		ID:             "burn-retry",
		Type:           models.MissionOrbitAdjust,
		SatelliteID:    "SAT-1",
		RequiredEnergy: 5,
		MaxRetries:     3,
		Payload:        map[string]any{"simulate_failure": true, "failure_reason": "gyro saturation"},
	})
	require.NoError(t, err)

	testutil.Eventually(t, func() bool {
		m, err := h.store.GetMission(context.Background(), mission.ID)
		return err == nil && m.Status == models.MissionFailed && m.RetryCount == 2
	})
	testutil.Eventually(t, func() bool {
		return len(h.events.AlarmsOfKind(AlarmMissionPermanentlyFailed)) == 1
	})

	assert.Len(t, h.events.AlarmsOfKind(AlarmMissionFailed), 2)
	assert.Len(t, h.events.EventsNamed(string(EventKindMissionRetryScheduled)), 2)
	assert.Len(t, h.events.EventsNamed(string(EventKindMissionStarted)), 3)
	assert.InDelta(t, 85, h.state("SAT-1").Energy, 1e-9, "every attempt spends energy")

	var status SchedulerStatus
	testutil.Eventually(t, func() bool {
		status, err = h.scheduler.Status(context.Background())
		return err == nil && status.Failed == 3
	})
	assert.Equal(t, int64(2), status.Retried)
	assert.Equal(t, int64(1), status.Submitted)
}

func TestRetryDelay(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil, nil, SchedulerConfig{
		RetryBackoff:    30 * time.Second,
		MaxRetryBackoff: 10 * time.Minute,
	})
	assert.Equal(t, 30*time.Second, s.retryDelay(0))
	assert.Equal(t, time.Minute, s.retryDelay(1))
	assert.Equal(t, 2*time.Minute, s.retryDelay(2))
	assert.Equal(t, 8*time.Minute, s.retryDelay(4))
	assert.Equal(t, 10*time.Minute, s.retryDelay(5))
	assert.Equal(t, 10*time.Minute, s.retryDelay(40))
}

func TestPauseStopsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSatellite("SAT-1", 100, 0)
	h.createMission(testutil.MissionOpts{ID: "m-held"})

	h.scheduler.Pause(ctx)
	h.scheduler.Pause(ctx)
	report, err := h.scheduler.DispatchPending(ctx)
	require.NoError(t, err)
	assert.True(t, report.Paused)
	assert.Equal(t, models.MissionPending, h.mission("m-held").Status)

	status, err := h.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Accepting)
	assert.Equal(t, 1, status.Pending)
	assert.Len(t, h.events.EventsNamed(string(EventKindSchedulerPaused)), 1)

	h.scheduler.Resume(ctx)
	report, err = h.scheduler.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-held"}, report.Dispatched)
	h.waitStatus("m-held", models.MissionCompleted)
	assert.Len(t, h.events.EventsNamed(string(EventKindSchedulerResumed)), 1)
}

func TestSchedulerCancel(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.createMission(testutil.MissionOpts{ID: "m-pending"})

		require.NoError(t, h.scheduler.Cancel(ctx, "m-pending", ""))
		stored := h.mission("m-pending")
		assert.Equal(t, models.MissionCanceled, stored.Status)
		assert.Equal(t, "canceled by operator", stored.FailureReason)
		assert.Len(t, h.events.EventsNamed(string(EventKindMissionCanceled)), 1)

		err := h.scheduler.Cancel(ctx, "m-pending", "again")
		notRunning, ok := asError[*NotRunningError](err)
		require.True(t, ok, "expected NotRunningError, got %v", err)
		assert.Equal(t, models.MissionCanceled, notRunning.Status)
		assert.Len(t, h.events.EventsNamed(string(EventKindMissionCanceled)), 1)
	})

	t.Run("running", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.seedSatellite("SAT-1", 100, 40)
		g := newGate()
		defer g.release()
		h.executor.RegisterHandler(models.MissionImaging, g.handler)
		h.createMission(testutil.MissionOpts{ID: "m-running", RequiredMemory: 20})

		_, err := h.scheduler.DispatchPending(ctx)
		require.NoError(t, err)
		g.waitEntered(t)
		assert.InDelta(t, 60, h.state("SAT-1").MemoryUsed, 1e-9)

		require.NoError(t, h.scheduler.Cancel(ctx, "m-running", "ground abort"))
		assert.Equal(t, models.MissionCanceled, h.mission("m-running").Status)
		assert.InDelta(t, 40, h.state("SAT-1").MemoryUsed, 1e-9)
	})

	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t)
		err := h.scheduler.Cancel(context.Background(), "ghost", "")
		_, ok := asError[*NotFoundError](err)
		require.True(t, ok, "expected NotFoundError, got %v", err)
	})
}

func TestGetUnknownMission(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.Get(context.Background(), "nope")
	notFound, ok := asError[*NotFoundError](err)
	require.True(t, ok, "expected NotFoundError, got %v", err)
	assert.Equal(t, "mission nope not found", notFound.Error())
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.scheduler.Start(ctx)
	cancel()

	testutil.Eventually(t, func() bool {
		_, err := h.scheduler.Submit(context.Background(), MissionRequest{Type: models.MissionImaging, SatelliteID: "SAT-1"})
		return err == ErrSchedulerStopped
	})
}

func TestStartDispatchesSubmittedMissions(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.scheduler.Start(ctx)

	// one satellite per mission; the ledger does not serialize a satellite's updates
	sats := []string{"SAT-A", "SAT-B", "SAT-C", "SAT-D"}
	var ids []string
	for _, sat := range sats {
		h.seedSatellite(sat, 100, 0)
		mission, err := h.scheduler.Submit(ctx, MissionRequest{
			Type:           models.MissionDataCollection,
			SatelliteID:    sat,
			RequiredEnergy: 2,
			RequiredMemory: 5,
		})
		require.NoError(t, err)
		ids = append(ids, mission.ID)
	}
	for _, id := range ids {
		done := h.waitStatus(id, models.MissionCompleted)
		assert.Contains(t, done.Result, "samples_collected")
	}
	for _, sat := range sats {
		state := h.state(sat)
		assert.InDelta(t, 98, state.Energy, 1e-9)
		assert.InDelta(t, 0, state.MemoryUsed, 1e-9)
	}
}

func TestSchedulerWithoutExecutor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := NewScheduler(h.store, nil, h.notifier, h.metrics, nil, SchedulerConfig{MaxConcurrent: 1})
	h.createMission(testutil.MissionOpts{ID: "m-idle"})
	h.createMission(testutil.MissionOpts{ID: "m-stuck"})
	_, err := h.store.StartMission(ctx, "m-stuck", time.Now())
	require.NoError(t, err)

	_, err = s.DispatchPending(ctx)
	require.ErrorIs(t, err, errNoExecutor)
	assert.Equal(t, models.MissionPending, h.mission("m-idle").Status)

	require.NoError(t, s.Cancel(ctx, "m-idle", ""))
	assert.Equal(t, models.MissionCanceled, h.mission("m-idle").Status)
	require.ErrorIs(t, s.Cancel(ctx, "m-stuck", ""), errNoExecutor)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Running)
}
