package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
	"github.com/groundseg/missiond/internal/observability"
)

const deadlineExceededReason = "deadline_exceeded"

var errNoExecutor = errors.New("scheduler has no executor")

// SchedulerStore is the persistence the scheduler needs. *db.Store satisfies it.
type SchedulerStore interface {
	CreateMission(ctx context.Context, mission models.Mission) error
	GetMission(ctx context.Context, id string) (models.Mission, error)
	ListDispatchable(ctx context.Context, now time.Time) ([]models.Mission, error)
	CountMissionsByStatus(ctx context.Context) (map[models.MissionStatus]int, error)
	FailMission(ctx context.Context, id string, reason string) error
	CancelPendingMission(ctx context.Context, id string, reason string) error
	RetryMission(ctx context.Context, id string, nextAttemptAt time.Time) (models.Mission, error)
}

// SchedulerConfig tunes dispatch and retry.
type SchedulerConfig struct {
	DispatchInterval  time.Duration
	MaxConcurrent     int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	DefaultMaxRetries int
}

// SchedulerStatus is a snapshot of admission and outcome counters.
type SchedulerStatus struct {
	Accepting bool
	Pending   int
	Running   int
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Expired   int64
}

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Paused     bool
	Dispatched []string
	Expired    []string
	Failed     []string
	Deferred   int
}

// Scheduler admits missions and dispatches pending ones to the executor in
// priority order.
type Scheduler struct {
	store    SchedulerStore
	executor *Executor
	notifier *notify.Notifier
	metrics  *Metrics
	log      logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
	cfg      SchedulerConfig
	kick     chan struct{}

	// dispatchMu allows one dispatch pass at a time.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	paused    bool
	stopped   bool
	submitted int64
	completed int64
	failed    int64
	retried   int64
	expired   int64
}

// NewScheduler wires a scheduler to the executor and registers for its outcomes.
func NewScheduler(store SchedulerStore, executor *Executor, notifier *notify.Notifier, metrics *Metrics, log logging.Logger, cfg SchedulerConfig) *Scheduler {
	if log == nil {
		log = logging.Noop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, nil, log)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	s := &Scheduler{
		store:    store,
		executor: executor,
		notifier: notifier,
		metrics:  metrics,
		log:      log.With(logging.String("component", "scheduler")),
		tracer:   observability.Tracer(),
		now:      time.Now,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
	if executor != nil {
		executor.setFinishHook(s.onMissionFinished)
	}
	return s
}

// WithClock overrides the scheduler clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Submit validates and stores a new pending mission. A ValidationError lists every
// violated constraint and nothing is stored.
func (s *Scheduler) Submit(ctx context.Context, req MissionRequest) (models.Mission, error) {
	ctx, span := s.tracer.Start(ctx, "mission.submit", trace.WithAttributes(
		attribute.String("mission.type", string(req.Type)),
		attribute.String("satellite.id", req.SatelliteID),
	))
	defer span.End()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return models.Mission{}, ErrSchedulerStopped
	}
	now := s.now().UTC()
	if err := validateMissionRequest(req, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		return models.Mission{}, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	mission := models.Mission{
		ID:                id,
		Type:              req.Type,
		SatelliteID:       strings.TrimSpace(req.SatelliteID),
		Priority:          priority,
		Status:            models.MissionPending,
		RequiredEnergy:    req.RequiredEnergy,
		RequiredMemory:    req.RequiredMemory,
		RequiredBandwidth: req.RequiredBandwidth,
		Payload:           req.Payload,
		MaxRetries:        maxRetries,
		Deadline:          req.Deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateMission(ctx, mission); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return models.Mission{}, fmt.Errorf("create mission %s: %w", id, err)
	}
	span.SetAttributes(attribute.String("mission.id", id))

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
	s.metrics.IncMissionSubmitted(mission.Type)
	emit(ctx, s.notifier, topicMissions, EventKindMissionSubmitted, missionPayload(mission))
	s.log.Info(ctx, "mission submitted",
		logging.String("mission_id", id),
		logging.String("type", string(mission.Type)),
		logging.String("satellite_id", mission.SatelliteID),
		logging.String("priority", priority.String()),
	)
	s.wake()
	return mission, nil
}

// Get returns a stored mission.
func (s *Scheduler) Get(ctx context.Context, id string) (models.Mission, error) {
	mission, err := s.store.GetMission(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Mission{}, &NotFoundError{Kind: "mission", ID: id}
	}
	if err != nil {
		return models.Mission{}, fmt.Errorf("get mission %s: %w", id, err)
	}
	return mission, nil
}

// Pause stops dispatching pending missions. Running missions continue.
func (s *Scheduler) Pause(ctx context.Context) {
	s.setPaused(ctx, true)
}

// Resume restarts dispatching.
func (s *Scheduler) Resume(ctx context.Context) {
	s.setPaused(ctx, false)
	s.wake()
}

func (s *Scheduler) setPaused(ctx context.Context, paused bool) {
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()
	s.metrics.SetSchedulerPaused(paused)
	if !changed {
		return
	}
	kind := EventKindSchedulerResumed
	if paused {
		kind = EventKindSchedulerPaused
	}
	emit(ctx, s.notifier, topicScheduler, kind, map[string]any{"schema": eventContractSchemaVersion})
	s.log.Info(ctx, string(kind))
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Status reports whether dispatch is accepting work and the mission counters.
func (s *Scheduler) Status(ctx context.Context) (SchedulerStatus, error) {
	counts, err := s.store.CountMissionsByStatus(ctx)
	if err != nil {
		return SchedulerStatus{}, fmt.Errorf("count missions: %w", err)
	}
	running := 0
	if s.executor != nil {
		running = s.executor.RunningCount()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Accepting: !s.paused,
		Pending:   counts[models.MissionPending],
		Running:   running,
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Retried:   s.retried,
		Expired:   s.expired,
	}, nil
}

// Cancel cancels a pending or running mission. A terminal mission yields NotRunningError.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "canceled by operator"
	}
	for attempt := 0; attempt < 2; attempt++ {
		if s.executor != nil {
			var notRunning *NotRunningError
			err := s.executor.Cancel(ctx, id, reason)
			if err == nil || !errors.As(err, &notRunning) {
				return err
			}
		}
		mission, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if mission.Status != models.MissionPending {
			if mission.Status == models.MissionRunning && s.executor == nil {
				return fmt.Errorf("cancel mission %s: %w", id, errNoExecutor)
			}
			if mission.Status == models.MissionRunning && attempt == 0 {
				continue
			}
			return &NotRunningError{MissionID: id, Status: mission.Status}
		}
		err = s.store.CancelPendingMission(ctx, id, reason)
		if errors.Is(err, db.ErrStateConflict) {
			// dispatched between the lookup and the update
			continue
		}
		if err != nil {
			return fmt.Errorf("cancel mission %s: %w", id, err)
		}
		payload := missionPayload(mission)
		payload["reason"] = reason
		emit(ctx, s.notifier, topicMissions, EventKindMissionCanceled, payload)
		s.log.Info(ctx, "pending mission canceled", logging.String("mission_id", id), logging.String("reason", reason))
		return nil
	}
	return fmt.Errorf("cancel mission %s: status changed concurrently", id)
}

// dispatchLess orders missions by priority, then deadline (missions with one first),
// then submission time, then id.
func dispatchLess(a, b models.Mission) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.HasDeadline() != b.HasDeadline() {
		return a.HasDeadline()
	}
	if a.HasDeadline() && !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// DispatchPending runs one dispatch pass over dispatchable pending missions.
func (s *Scheduler) DispatchPending(ctx context.Context) (DispatchReport, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	var report DispatchReport
	if s.isPaused() {
		report.Paused = true
		return report, nil
	}
	if s.executor == nil {
		return report, errNoExecutor
	}
	now := s.now()
	pending, err := s.store.ListDispatchable(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list dispatchable missions: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool { return dispatchLess(pending[i], pending[j]) })

	capacity := s.cfg.MaxConcurrent - s.executor.RunningCount()
	for _, mission := range pending {
		if mission.HasDeadline() && now.After(mission.Deadline) {
			s.expire(ctx, mission)
			report.Expired = append(report.Expired, mission.ID)
			continue
		}
		if capacity <= 0 {
			report.Deferred++
			continue
		}
		_, err := s.executor.Execute(ctx, mission, ExecuteOptions{Async: true})
		var deadline *DeadlineExceededError
		switch {
		case err == nil:
			capacity--
			report.Dispatched = append(report.Dispatched, mission.ID)
		case errors.Is(err, ErrMissionAlreadyRunning):
		case errors.As(err, &deadline):
			s.expire(ctx, mission)
			report.Expired = append(report.Expired, mission.ID)
		default:
			report.Failed = append(report.Failed, mission.ID)
			s.log.Warn(ctx, "dispatch mission", logging.String("mission_id", mission.ID), logging.Err(err))
		}
	}
	return report, nil
}

// expire fails a mission that reached its deadline before dispatch.
func (s *Scheduler) expire(ctx context.Context, mission models.Mission) {
	if err := s.store.FailMission(ctx, mission.ID, deadlineExceededReason); err != nil {
		s.log.Warn(ctx, "expire mission", logging.String("mission_id", mission.ID), logging.Err(err))
		return
	}
	s.mu.Lock()
	s.expired++
	s.failed++
	s.mu.Unlock()
	s.metrics.ObserveMissionOutcome(mission.Type, models.MissionFailed, 0)
	derr := &DeadlineExceededError{MissionID: mission.ID, Deadline: mission.Deadline}
	payload := missionPayload(mission)
	payload["error"] = derr.Error()
	payload["error_code"] = ErrorCode(derr)
	emit(ctx, s.notifier, topicMissions, EventKindMissionExpired, payload)
	raise(ctx, s.notifier, s.metrics, notify.Alarm{
		Kind:     AlarmMissionDeadlineExceeded,
		Severity: notify.SeverityWarning,
		Message:  derr.Error(),
		Scope:    "mission:" + mission.ID,
		Context: map[string]any{
			"mission_id":   mission.ID,
			"satellite_id": mission.SatelliteID,
			"deadline":     mission.Deadline.UTC().Format(time.RFC3339),
		},
	})
}

// retryDelay is retry_backoff doubled per previous retry, capped at max_retry_backoff.
func (s *Scheduler) retryDelay(retryCount int) time.Duration {
	delay := s.cfg.RetryBackoff
	for i := 0; i < retryCount && delay < s.cfg.MaxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > s.cfg.MaxRetryBackoff {
		delay = s.cfg.MaxRetryBackoff
	}
	return delay
}

// onMissionFinished updates counters and re-queues retryable failures.
func (s *Scheduler) onMissionFinished(ctx context.Context, outcome Outcome) {
	mission := outcome.Mission
	s.mu.Lock()
	switch outcome.Status {
	case models.MissionCompleted:
		s.completed++
	case models.MissionFailed:
		s.failed++
	}
	s.mu.Unlock()
	defer s.wake()

	if outcome.Status != models.MissionFailed || mission.RetryCount+1 >= mission.MaxRetries {
		return
	}
	next := s.now().Add(s.retryDelay(mission.RetryCount))
	retried, err := s.store.RetryMission(ctx, mission.ID, next)
	if err != nil {
		s.log.Warn(ctx, "schedule mission retry", logging.String("mission_id", mission.ID), logging.Err(err))
		return
	}
	s.mu.Lock()
	s.retried++
	s.mu.Unlock()
	payload := missionPayload(retried)
	payload["next_attempt_at"] = next.UTC().Format(time.RFC3339Nano)
	emit(ctx, s.notifier, topicMissions, EventKindMissionRetryScheduled, payload)
	s.log.Info(ctx, "mission retry scheduled",
		logging.String("mission_id", mission.ID),
		logging.Int("retry_count", retried.RetryCount),
		logging.Duration("backoff", next.Sub(s.now())),
	)
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until ctx is canceled. A pass runs on every tick and
// whenever a mission is submitted or finishes. Once the loop exits, Submit returns
// ErrSchedulerStopped.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			if _, err := s.DispatchPending(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn(ctx, "dispatch pass", logging.Err(err))
			}
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.stopped = true
				s.mu.Unlock()
				return
			case <-ticker.C:
			case <-s.kick:
			}
		}
	}()
}
