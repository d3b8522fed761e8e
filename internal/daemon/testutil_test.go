package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/ledger"
	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
	testutil "github.com/groundseg/missiond/internal/testing"
)

type harness struct {
	t         *testing.T
	store     *db.Store
	ledger    *ledger.MemoryLedger
	events    *notify.Recorder
	notifier  *notify.Notifier
	metrics   *Metrics
	downlink  *DownlinkManager
	executor  *Executor
	scheduler *Scheduler
}

// fastExecutorConfig makes every simulated mission take a millisecond.
func fastExecutorConfig() config.ExecutorConfig {
	durations := make(map[models.MissionType]config.DurationRange)
	for missionType := range config.DefaultDurations() {
		durations[missionType] = config.DurationRange{Base: time.Millisecond}
	}
	return config.ExecutorConfig{Seed: 7, TimeScale: 1, Durations: durations}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &notify.Recorder{}
	notifier := notify.NewNotifier(rec, rec, logging.Noop())
	metrics := NewMetrics()
	led := ledger.NewMemoryLedger()
	downlink := NewDownlinkManager(store, notifier, metrics, nil, DownlinkConfig{MissedRetention: time.Hour})
	executor := NewExecutor(store, led, notifier, metrics, nil)
	executor.RegisterHandlers(SimulatedHandlers(fastExecutorConfig(), downlink))
	scheduler := NewScheduler(store, executor, notifier, metrics, nil, SchedulerConfig{
		DispatchInterval:  10 * time.Millisecond,
		MaxConcurrent:     8,
		RetryBackoff:      time.Millisecond,
		MaxRetryBackoff:   5 * time.Millisecond,
		DefaultMaxRetries: 3,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = executor.Close(ctx)
	})
	return &harness{
		t:         t,
		store:     store,
		ledger:    led,
		events:    rec,
		notifier:  notifier,
		metrics:   metrics,
		downlink:  downlink,
		executor:  executor,
		scheduler: scheduler,
	}
}

func (h *harness) seedSatellite(id string, energy, memory float64) {
	h.t.Helper()
	err := h.ledger.Seed(context.Background(), models.SatelliteState{SatelliteID: id, Energy: energy, MemoryUsed: memory})
	if err != nil {
		h.t.Fatalf("seed satellite %s: %v", id, err)
	}
}

func (h *harness) state(id string) models.SatelliteState {
	h.t.Helper()
	state, err := h.ledger.GetState(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get state %s: %v", id, err)
	}
	return state
}

func (h *harness) createMission(opts testutil.MissionOpts) models.Mission {
	h.t.Helper()
	mission := testutil.NewTestMission(opts)
	if err := h.store.CreateMission(context.Background(), mission); err != nil {
		h.t.Fatalf("create mission %s: %v", mission.ID, err)
	}
	return mission
}

func (h *harness) mission(id string) models.Mission {
	h.t.Helper()
	mission, err := h.store.GetMission(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get mission %s: %v", id, err)
	}
	return mission
}

func (h *harness) waitStatus(id string, status models.MissionStatus) models.Mission {
	h.t.Helper()
	var last models.Mission
	testutil.Eventually(h.t, func() bool {
		mission, err := h.store.GetMission(context.Background(), id)
		if err != nil {
			return false
		}
		last = mission
		return mission.Status == status
	}, "mission %s never reached %s", id, status)
	return last
}

func (h *harness) addStation(opts testutil.StationOpts) models.GroundStation {
	h.t.Helper()
	station := testutil.NewTestGroundStation(opts)
	if err := h.store.CreateGroundStation(context.Background(), station); err != nil {
		h.t.Fatalf("create station %s: %v", station.ID, err)
	}
	return station
}

func (h *harness) addWindow(opts testutil.WindowOpts) models.ContactWindow {
	h.t.Helper()
	window := testutil.NewTestContactWindow(opts)
	if err := h.store.CreateContactWindow(context.Background(), window); err != nil {
		h.t.Fatalf("create window %s: %v", window.ID, err)
	}
	return window
}

// gate is a handler that blocks until opened. It ignores cancellation unless
// honorCancel is set.
type gate struct {
	open        chan struct{}
	entered     chan string
	honorCancel bool
}

func newGate() *gate {
	return &gate{open: make(chan struct{}), entered: make(chan string, 16)}
}

func (g *gate) handler(ctx context.Context, m models.Mission) (map[string]any, error) {
	g.entered <- m.ID
	if g.honorCancel {
		select {
		case <-g.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-g.open
	}
	return map[string]any{"gated": true}, nil
}

func (g *gate) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never started")
		return ""
	}
}

func (g *gate) release() {
	close(g.open)
}

func asError[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}
