package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/ledger"
	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
	"github.com/groundseg/missiond/internal/observability"
)

const executorShutdownReason = "executor shutdown"

// MissionStore is the persistence the executor needs. *db.Store satisfies it.
type MissionStore interface {
	GetMission(ctx context.Context, id string) (models.Mission, error)
	StartMission(ctx context.Context, id string, startedAt time.Time) (models.Mission, error)
	CompleteMission(ctx context.Context, id string, result map[string]any) error
	FailMission(ctx context.Context, id string, reason string) error
	CancelMission(ctx context.Context, id string, reason string) error
}

// MissionHandler runs the type-specific logic of one mission attempt.
type MissionHandler func(ctx context.Context, mission models.Mission) (map[string]any, error)

// ExecuteOptions controls how Execute waits for the mission.
type ExecuteOptions struct {
	// Timeout bounds a synchronous wait. The mission keeps running past it.
	Timeout time.Duration
	// Async returns as soon as the mission is running.
	Async bool
}

// Result is the outcome reported to an Execute caller.
type Result struct {
	MissionID string
	Status    models.MissionStatus
	Output    map[string]any
	Duration  time.Duration
}

// Outcome is delivered to the finish hook once per mission attempt.
type Outcome struct {
	Mission  models.Mission
	Status   models.MissionStatus
	Output   map[string]any
	Err      error
	Duration time.Duration
}

// ExecutorStatus is a snapshot of the executor's bookkeeping.
type ExecutorStatus struct {
	Running    int
	RunningIDs []string
	Completed  int64
	Failed     int64
	Canceled   int64
}

type reservation struct {
	energy float64
	memory float64
	// held is set once the memory write succeeded and must be released.
	held bool
}

type runningMission struct {
	mission   models.Mission
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	reserved  reservation
	done      chan Result
	errc      chan error
	once      sync.Once
}

func (r *runningMission) deliver(res Result, err error) {
	r.once.Do(func() {
		r.done <- res
		r.errc <- err
		close(r.done)
		close(r.errc)
	})
}

// Executor runs mission attempts as supervised goroutines and owns the in-flight set.
type Executor struct {
	store    MissionStore
	ledger   ledger.Ledger
	notifier *notify.Notifier
	metrics  *Metrics
	log      logging.Logger
	tracer   trace.Tracer
	now      func() time.Time

	runTimeout time.Duration
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	handlers  map[models.MissionType]MissionHandler
	running   map[string]*runningMission
	completed int64
	failed    int64
	canceled  int64
	onFinish  func(context.Context, Outcome)
}

// NewExecutor constructs an executor with no handlers registered.
func NewExecutor(store MissionStore, led ledger.Ledger, notifier *notify.Notifier, metrics *Metrics, log logging.Logger) *Executor {
	if log == nil {
		log = logging.Noop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, nil, log)
	}
	base, stop := context.WithCancel(context.Background())
	return &Executor{
		store:    store,
		ledger:   led,
		notifier: notifier,
		metrics:  metrics,
		log:      log.With(logging.String("component", "executor")),
		tracer:   observability.Tracer(),
		now:      time.Now,
		baseCtx:  base,
		stop:     stop,
		handlers: make(map[models.MissionType]MissionHandler),
		running:  make(map[string]*runningMission),
	}
}

// WithClock overrides the executor clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	if now != nil {
		e.now = now
	}
	return e
}

// WithRunTimeout bounds every mission run; a run past the bound fails. Zero disables it.
func (e *Executor) WithRunTimeout(d time.Duration) *Executor {
	if d >= 0 {
		e.runTimeout = d
	}
	return e
}

// RegisterHandler sets the handler for a mission type, replacing any existing one.
func (e *Executor) RegisterHandler(missionType models.MissionType, handler MissionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handler == nil {
		delete(e.handlers, missionType)
		return
	}
	e.handlers[missionType] = handler
}

// RegisterHandlers registers every handler in the table.
func (e *Executor) RegisterHandlers(handlers map[models.MissionType]MissionHandler) {
	for missionType, handler := range handlers {
		e.RegisterHandler(missionType, handler)
	}
}

func (e *Executor) setFinishHook(fn func(context.Context, Outcome)) {
	e.mu.Lock()
	e.onFinish = fn
	e.mu.Unlock()
}

// Execute runs one attempt of mission. The mission must be pending in the store.
//
// Resources are reserved before the handler is looked up, so an unknown type still
// releases its reservation. With opts.Async the call returns once the mission is
// running; otherwise it waits for the outcome, opts.Timeout, or ctx.
func (e *Executor) Execute(ctx context.Context, mission models.Mission, opts ExecuteOptions) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "mission.execute", trace.WithAttributes(
		attribute.String("mission.id", mission.ID),
		attribute.String("mission.type", string(mission.Type)),
		attribute.String("satellite.id", mission.SatelliteID),
		attribute.Bool("mission.async", opts.Async),
	))
	defer span.End()

	res, err := e.execute(ctx, mission, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, mission models.Mission, opts ExecuteOptions) (Result, error) {
	if err := validateExecutable(mission); err != nil {
		return Result{}, err
	}
	now := e.now()
	if mission.HasDeadline() && now.After(mission.Deadline) {
		return Result{}, &DeadlineExceededError{MissionID: mission.ID, Deadline: mission.Deadline}
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	entry := &runningMission{
		mission:   mission,
		ctx:       runCtx,
		cancel:    cancel,
		startedAt: now,
		done:      make(chan Result, 1),
		errc:      make(chan error, 1),
	}
	e.mu.Lock()
	if _, exists := e.running[mission.ID]; exists {
		e.mu.Unlock()
		cancel()
		return Result{}, fmt.Errorf("execute mission %s: %w", mission.ID, ErrMissionAlreadyRunning)
	}
	e.running[mission.ID] = entry
	e.metrics.SetMissionsRunning(len(e.running))
	e.mu.Unlock()

	started, err := e.store.StartMission(ctx, mission.ID, now)
	if err != nil {
		e.forget(entry)
		return Result{}, e.startError(ctx, mission.ID, err)
	}
	entry.mission = started
	emit(ctx, e.notifier, topicMissions, EventKindMissionStarted, missionPayload(started))

	held, err := e.reserve(ctx, started)
	e.mu.Lock()
	entry.reserved = held
	stillOurs := e.running[started.ID] == entry
	e.mu.Unlock()
	if !stillOurs {
		// canceled while reserving; Cancel saw no held memory
		e.release(ctx, started, held)
		return Result{MissionID: started.ID, Status: models.MissionCanceled}, ErrMissionCanceled
	}
	if err != nil {
		e.finish(ctx, entry, nil, err)
		return Result{MissionID: started.ID, Status: models.MissionFailed}, err
	}

	e.wg.Add(1)
	go e.run(entry)

	if opts.Async {
		return Result{MissionID: started.ID, Status: models.MissionRunning}, nil
	}
	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res := <-entry.done:
		return res, <-entry.errc
	case <-timeout:
		return Result{MissionID: started.ID, Status: models.MissionRunning}, &ExecutionTimeoutError{MissionID: started.ID, Timeout: opts.Timeout}
	case <-ctx.Done():
		return Result{MissionID: started.ID, Status: models.MissionRunning}, ctx.Err()
	}
}

func (e *Executor) startError(ctx context.Context, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Kind: "mission", ID: id}
	}
	if !errors.Is(err, db.ErrStateConflict) {
		return fmt.Errorf("start mission %s: %w", id, err)
	}
	current, getErr := e.store.GetMission(ctx, id)
	if getErr == nil && current.Status == models.MissionRunning {
		return fmt.Errorf("start mission %s: %w", id, ErrMissionAlreadyRunning)
	}
	status := "unknown"
	if getErr == nil {
		status = string(current.Status)
	}
	return &ValidationError{Violations: []Violation{{Field: "status", Message: "must be pending, got " + status}}}
}

// reserve applies the reservation formula against the ledger.
func (e *Executor) reserve(ctx context.Context, m models.Mission) (reservation, error) {
	fail := func(err error) error {
		return &ResourceReservationFailedError{MissionID: m.ID, SatelliteID: m.SatelliteID, Err: err}
	}
	if e.ledger == nil {
		return reservation{}, fail(errors.New("resource ledger unavailable"))
	}
	state, err := e.ledger.GetState(ctx, m.SatelliteID)
	if err != nil {
		return reservation{}, fail(err)
	}
	energy := math.Max(0, state.Energy-m.RequiredEnergy)
	memory := math.Min(100, state.MemoryUsed+m.RequiredMemory)
	if err := e.ledger.UpdateEnergy(ctx, m.SatelliteID, energy); err != nil {
		return reservation{}, fail(err)
	}
	if err := e.ledger.UpdateMemory(ctx, m.SatelliteID, memory); err != nil {
		return reservation{energy: m.RequiredEnergy}, fail(err)
	}
	e.log.Debug(ctx, "resources reserved",
		logging.String("mission_id", m.ID),
		logging.String("satellite_id", m.SatelliteID),
		logging.Float("energy", energy),
		logging.Float("memory_used", memory),
	)
	return reservation{energy: m.RequiredEnergy, memory: m.RequiredMemory, held: true}, nil
}

// release returns held memory. Energy is consumed and never refunded. Failures are logged.
func (e *Executor) release(ctx context.Context, m models.Mission, r reservation) {
	if !r.held || e.ledger == nil {
		return
	}
	state, err := e.ledger.GetState(ctx, m.SatelliteID)
	if err != nil {
		e.log.Warn(ctx, "release resources: read state", logging.String("mission_id", m.ID), logging.Err(err))
		return
	}
	memory := math.Max(0, state.MemoryUsed-r.memory)
	if err := e.ledger.UpdateMemory(ctx, m.SatelliteID, memory); err != nil {
		e.log.Warn(ctx, "release resources: write memory", logging.String("mission_id", m.ID), logging.Err(err))
	}
}

func (e *Executor) run(entry *runningMission) {
	defer e.wg.Done()
	ctx := entry.ctx
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "mission.run", trace.WithAttributes(
		attribute.String("mission.id", entry.mission.ID),
		attribute.String("mission.type", string(entry.mission.Type)),
	))
	output, err := e.invoke(ctx, entry.mission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	span.End()
	e.finish(e.baseCtx, entry, output, err)
}

// invoke looks up and calls the handler. A panic becomes a mission failure.
func (e *Executor) invoke(ctx context.Context, m models.Mission) (output map[string]any, err error) {
	e.mu.Lock()
	handler, ok := e.handlers[m.Type]
	e.mu.Unlock()
	if !ok {
		return nil, &UnknownMissionTypeError{Type: m.Type}
	}
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = &missionCrashError{Value: r}
		}
	}()
	return handler(ctx, m)
}

// finish records the outcome of an attempt unless Cancel already claimed the mission.
// A completion that cannot be persisted is recorded as a failure.
func (e *Executor) finish(ctx context.Context, entry *runningMission, output map[string]any, runErr error) {
	m := entry.mission
	e.mu.Lock()
	if e.running[m.ID] != entry {
		e.mu.Unlock()
		e.log.Debug(ctx, "discarding result of canceled mission", logging.String("mission_id", m.ID))
		return
	}
	delete(e.running, m.ID)
	e.metrics.SetMissionsRunning(len(e.running))
	reserved := entry.reserved
	hook := e.onFinish
	e.mu.Unlock()
	entry.cancel()

	e.release(ctx, m, reserved)
	duration := e.now().Sub(entry.startedAt)

	if runErr == nil {
		if err := e.store.CompleteMission(ctx, m.ID, output); err != nil {
			runErr = &PersistenceError{MissionID: m.ID, Op: "complete", Err: err}
			output = nil
		}
	}
	outcome := Outcome{Mission: m, Output: output, Err: runErr, Duration: duration}
	if runErr == nil {
		outcome.Status = models.MissionCompleted
		payload := missionPayload(m)
		payload["result"] = output
		payload["duration_ms"] = duration.Milliseconds()
		emit(ctx, e.notifier, topicMissions, EventKindMissionCompleted, payload)
		e.log.Info(ctx, "mission completed", logging.String("mission_id", m.ID), logging.Duration("duration", duration))
	} else {
		outcome.Status = models.MissionFailed
		outcome.Err = e.recordFailure(ctx, m, runErr)
	}

	e.mu.Lock()
	if outcome.Status == models.MissionCompleted {
		e.completed++
	} else {
		e.failed++
	}
	e.mu.Unlock()
	e.metrics.ObserveMissionOutcome(m.Type, outcome.Status, duration)

	entry.deliver(Result{MissionID: m.ID, Status: outcome.Status, Output: output, Duration: duration}, outcome.Err)
	if hook != nil {
		hook(ctx, outcome)
	}
}

// recordFailure persists the failure and raises the per-attempt or permanent alarm.
// The returned error is runErr, joined with the store error when the failure itself
// could not be written.
func (e *Executor) recordFailure(ctx context.Context, m models.Mission, runErr error) error {
	reason := runErr.Error()
	if err := e.store.FailMission(ctx, m.ID, reason); err != nil {
		e.log.Error(ctx, "persist mission failure", logging.String("mission_id", m.ID), logging.Err(err))
		runErr = errors.Join(runErr, &PersistenceError{MissionID: m.ID, Op: "fail", Err: err})
	}
	payload := missionPayload(m)
	payload["error"] = reason
	payload["error_code"] = ErrorCode(runErr)
	emit(ctx, e.notifier, topicMissions, EventKindMissionFailed, payload)

	alarmCtx := map[string]any{
		"mission_id":   m.ID,
		"satellite_id": m.SatelliteID,
		"type":         string(m.Type),
		"error":        reason,
		"retry_count":  m.RetryCount,
		"max_retries":  m.MaxRetries,
	}
	alarm := notify.Alarm{Scope: "mission:" + m.ID, Context: alarmCtx}
	if m.RetryCount >= m.MaxRetries-1 {
		alarm.Kind = AlarmMissionPermanentlyFailed
		alarm.Severity = notify.SeverityCritical
		alarm.Message = fmt.Sprintf("mission %s permanently failed after %d attempts: %s", m.ID, m.RetryCount+1, reason)
	} else {
		alarmCtx["next_retry_count"] = m.RetryCount + 1
		alarm.Kind = AlarmMissionFailed
		alarm.Severity = notify.SeverityWarning
		alarm.Message = fmt.Sprintf("mission %s failed, will retry (attempt %d of %d): %s", m.ID, m.RetryCount+2, m.MaxRetries, reason)
	}
	raise(ctx, e.notifier, e.metrics, alarm)
	e.log.Warn(ctx, "mission failed",
		logging.String("mission_id", m.ID),
		logging.String("error_code", ErrorCode(runErr)),
		logging.Err(runErr),
	)
	return runErr
}

// Cancel stops a running mission. The accounting updates immediately; whatever the
// worker produces afterwards is discarded. Returns NotRunningError when the id has
// no in-flight entry.
func (e *Executor) Cancel(ctx context.Context, missionID, reason string) error {
	e.mu.Lock()
	entry, ok := e.running[missionID]
	if !ok {
		e.mu.Unlock()
		return &NotRunningError{MissionID: missionID}
	}
	delete(e.running, missionID)
	e.canceled++
	e.metrics.SetMissionsRunning(len(e.running))
	reserved := entry.reserved
	e.mu.Unlock()

	entry.cancel()
	m := entry.mission
	e.release(ctx, m, reserved)
	if reason == "" {
		reason = "canceled"
	}
	var storeErr error
	if err := e.store.CancelMission(ctx, missionID, reason); err != nil {
		storeErr = fmt.Errorf("cancel mission %s: %w", missionID, err)
	}
	duration := e.now().Sub(entry.startedAt)
	payload := missionPayload(m)
	payload["reason"] = reason
	emit(ctx, e.notifier, topicMissions, EventKindMissionCanceled, payload)
	e.metrics.ObserveMissionOutcome(m.Type, models.MissionCanceled, duration)
	e.log.Info(ctx, "mission canceled", logging.String("mission_id", missionID), logging.String("reason", reason))
	entry.deliver(Result{MissionID: missionID, Status: models.MissionCanceled, Duration: duration}, ErrMissionCanceled)
	return storeErr
}

// IsRunning reports whether the mission has an in-flight entry.
func (e *Executor) IsRunning(missionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[missionID]
	return ok
}

// RunningCount returns the number of in-flight missions.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) Status() ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ExecutorStatus{
		Running:    len(ids),
		RunningIDs: ids,
		Completed:  e.completed,
		Failed:     e.failed,
		Canceled:   e.canceled,
	}
}

// Close cancels every in-flight mission and waits for workers to exit or ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		var notRunning *NotRunningError
		if err := e.Cancel(ctx, id, executorShutdownReason); err != nil && !errors.As(err, &notRunning) {
			errs = append(errs, err)
		}
	}
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for mission workers: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// forget drops an entry that never started.
func (e *Executor) forget(entry *runningMission) {
	e.mu.Lock()
	if e.running[entry.mission.ID] == entry {
		delete(e.running, entry.mission.ID)
	}
	e.metrics.SetMissionsRunning(len(e.running))
	e.mu.Unlock()
	entry.cancel()
}
