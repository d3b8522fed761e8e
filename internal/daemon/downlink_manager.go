package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
	"github.com/groundseg/missiond/internal/observability"
)

const (
	defaultMinWindowDuration = 60 * time.Second
	// allocation attempts when another writer takes the chosen window's capacity
	allocateAttempts = 3
)

// DownlinkOptions constrains RequestDownlink.
type DownlinkOptions struct {
	// MinDuration is the shortest acceptable window. Zero selects the manager default.
	MinDuration time.Duration
	// Deadline, when set, requires the window to start before it.
	Deadline time.Time
}

// DownlinkConfig tunes the manager.
type DownlinkConfig struct {
	DefaultMinDuration time.Duration
	MissedRetention    time.Duration
}

// CleanupReport counts what one sweep changed.
type CleanupReport struct {
	Missed  int64
	Deleted int64
}

// DownlinkManager serializes bandwidth allocation against contact windows. Other
// window transitions rely on the store's guarded updates.
type DownlinkManager struct {
	store    *db.Store
	notifier *notify.Notifier
	metrics  *Metrics
	log      logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
	cfg      DownlinkConfig

	mu sync.Mutex
}

// NewDownlinkManager constructs a manager over the window store.
func NewDownlinkManager(store *db.Store, notifier *notify.Notifier, metrics *Metrics, log logging.Logger, cfg DownlinkConfig) *DownlinkManager {
	if log == nil {
		log = logging.Noop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, nil, log)
	}
	if cfg.DefaultMinDuration <= 0 {
		cfg.DefaultMinDuration = defaultMinWindowDuration
	}
	return &DownlinkManager{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		log:      log.With(logging.String("component", "downlink")),
		tracer:   observability.Tracer(),
		now:      time.Now,
		cfg:      cfg,
	}
}

// WithClock overrides the manager clock.
func (d *DownlinkManager) WithClock(now func() time.Time) *DownlinkManager {
	if now != nil {
		d.now = now
	}
	return d
}

// RequestDownlink reserves bandwidth on the earliest scheduled window for the
// satellite that satisfies opts. Returns NoAvailableWindowError when none does.
func (d *DownlinkManager) RequestDownlink(ctx context.Context, satelliteID string, bandwidth float64, opts DownlinkOptions) (models.ContactWindow, error) {
	ctx, span := d.tracer.Start(ctx, "downlink.request", trace.WithAttributes(
		attribute.String("satellite.id", satelliteID),
		attribute.Float64("downlink.bandwidth_mbps", bandwidth),
	))
	defer span.End()

	window, err := d.requestDownlink(ctx, satelliteID, bandwidth, opts)
	var noWindow *NoAvailableWindowError
	switch {
	case err == nil:
		d.metrics.IncDownlinkRequest("allocated")
		d.metrics.ObserveAllocatedBandwidth(bandwidth)
		span.SetAttributes(attribute.String("window.id", window.ID))
	case errors.As(err, &noWindow):
		d.metrics.IncDownlinkRequest("no_window")
	default:
		d.metrics.IncDownlinkRequest("error")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	return window, err
}

func (d *DownlinkManager) requestDownlink(ctx context.Context, satelliteID string, bandwidth float64, opts DownlinkOptions) (models.ContactWindow, error) {
	var v violations
	satelliteID = strings.TrimSpace(satelliteID)
	if satelliteID == "" {
		v.add("satellite_id", "is required")
	}
	if math.IsNaN(bandwidth) || bandwidth <= 0 {
		v.add("required_bandwidth", "must be positive")
	}
	if opts.MinDuration < 0 {
		v.add("min_duration", "must not be negative")
	}
	if err := v.err(); err != nil {
		return models.ContactWindow{}, err
	}
	minDuration := opts.MinDuration
	if minDuration == 0 {
		minDuration = d.cfg.DefaultMinDuration
	}

	window, found, err := d.allocate(ctx, db.WindowQuery{
		SatelliteID: satelliteID,
		Bandwidth:   bandwidth,
		MinDuration: minDuration,
		Before:      opts.Deadline,
	})
	if err != nil {
		return models.ContactWindow{}, err
	}
	if !found {
		emit(ctx, d.notifier, topicDownlink, EventKindDownlinkRejected, map[string]any{
			"schema":              eventContractSchemaVersion,
			"satellite_id":        satelliteID,
			"requested_bandwidth": bandwidth,
			"min_duration_s":      minDuration.Seconds(),
		})
		return models.ContactWindow{}, &NoAvailableWindowError{SatelliteID: satelliteID, RequiredBandwidth: bandwidth}
	}
	d.refreshStationLoad(ctx, window.GroundStationID)
	payload := windowPayload(window)
	payload["requested_bandwidth"] = bandwidth
	emit(ctx, d.notifier, topicDownlink, EventKindDownlinkAllocated, payload)
	d.log.Info(ctx, "downlink allocated",
		logging.String("satellite_id", satelliteID),
		logging.String("window_id", window.ID),
		logging.Float("bandwidth_mbps", bandwidth),
		logging.Float("allocated_mbps", window.AllocatedBandwidth),
	)
	return window, nil
}

// allocate picks and claims a window. d.mu covers only the selection and the guarded
// UPDATE; the UPDATE alone keeps capacity, the lock keeps concurrent requests from
// spending their attempts on each other.
func (d *DownlinkManager) allocate(ctx context.Context, query db.WindowQuery) (models.ContactWindow, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query.After = d.now()
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		candidate, err := d.store.FindBestWindow(ctx, query)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ContactWindow{}, false, nil
		}
		if err != nil {
			return models.ContactWindow{}, false, fmt.Errorf("find window for %s: %w", query.SatelliteID, err)
		}
		window, err := d.store.AllocateBandwidth(ctx, candidate.ID, query.Bandwidth)
		if errors.Is(err, db.ErrStateConflict) || errors.Is(err, sql.ErrNoRows) {
			d.log.Debug(ctx, "window taken before allocation", logging.String("window_id", candidate.ID))
			continue
		}
		if err != nil {
			return models.ContactWindow{}, false, fmt.Errorf("allocate window %s: %w", candidate.ID, err)
		}
		return window, true, nil
	}
	return models.ContactWindow{}, false, nil
}

// refreshStationLoad recomputes the station's load from its allocations. Failures are logged.
func (d *DownlinkManager) refreshStationLoad(ctx context.Context, stationID string) {
	if err := d.store.RefreshGroundStationLoad(ctx, stationID); err != nil {
		d.log.Warn(ctx, "refresh station load", logging.String("station_id", stationID), logging.Err(err))
	}
}

func (d *DownlinkManager) getWindow(ctx context.Context, windowID string) (models.ContactWindow, error) {
	window, err := d.store.GetContactWindow(ctx, windowID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ContactWindow{}, &NotFoundError{Kind: "contact window", ID: windowID}
	}
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("load window %s: %w", windowID, err)
	}
	return window, nil
}

// ActivateWindow moves a scheduled window to active. Activating an active window
// returns it unchanged. The window must be in progress.
func (d *DownlinkManager) ActivateWindow(ctx context.Context, windowID string) (models.ContactWindow, error) {
	window, err := d.getWindow(ctx, windowID)
	if err != nil {
		return models.ContactWindow{}, err
	}
	switch window.Status {
	case models.WindowActive:
		return window, nil
	case models.WindowScheduled:
	default:
		return models.ContactWindow{}, fmt.Errorf("activate window %s in status %s: %w", windowID, window.Status, ErrInvalidWindowTransition)
	}
	now := d.now()
	if !window.InProgress(now) {
		return models.ContactWindow{}, fmt.Errorf("activate window %s outside [aos, los]: %w", windowID, ErrInvalidWindowTransition)
	}
	activated, err := d.store.ActivateContactWindow(ctx, windowID)
	if errors.Is(err, db.ErrStateConflict) {
		// another caller moved it first
		current, getErr := d.getWindow(ctx, windowID)
		if getErr == nil && current.Status == models.WindowActive {
			return current, nil
		}
		return models.ContactWindow{}, fmt.Errorf("activate window %s: %w", windowID, ErrInvalidWindowTransition)
	}
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("activate window %s: %w", windowID, err)
	}
	emit(ctx, d.notifier, topicDownlink, EventKindWindowActivated, windowPayload(activated))
	return activated, nil
}

// ReportTransfer adds transferred data to a window. Unknown windows are ignored.
func (d *DownlinkManager) ReportTransfer(ctx context.Context, windowID string, dataMB float64) {
	if math.IsNaN(dataMB) || dataMB <= 0 {
		return
	}
	found, err := d.store.AddTransferredData(ctx, windowID, dataMB)
	if err != nil {
		d.log.Warn(ctx, "report transfer", logging.String("window_id", windowID), logging.Err(err))
		return
	}
	if !found {
		d.log.Debug(ctx, "transfer report for unknown window", logging.String("window_id", windowID))
	}
}

// CompleteWindow closes a window with its final transfer total.
func (d *DownlinkManager) CompleteWindow(ctx context.Context, windowID string, totalMB float64) (models.ContactWindow, error) {
	if math.IsNaN(totalMB) || totalMB < 0 {
		return models.ContactWindow{}, &ValidationError{Violations: []Violation{{Field: "total_data_mb", Message: "must not be negative"}}}
	}
	window, err := d.getWindow(ctx, windowID)
	if err != nil {
		return models.ContactWindow{}, err
	}
	if window.Status != models.WindowScheduled && window.Status != models.WindowActive {
		return models.ContactWindow{}, fmt.Errorf("complete window %s in status %s: %w", windowID, window.Status, ErrInvalidWindowTransition)
	}
	completed, err := d.store.CompleteContactWindow(ctx, windowID, totalMB)
	if errors.Is(err, db.ErrStateConflict) {
		return models.ContactWindow{}, fmt.Errorf("complete window %s: %w", windowID, ErrInvalidWindowTransition)
	}
	if err != nil {
		return models.ContactWindow{}, fmt.Errorf("complete window %s: %w", windowID, err)
	}
	d.refreshStationLoad(ctx, completed.GroundStationID)
	payload := windowPayload(completed)
	payload["data_transferred_mb"] = completed.DataTransferredMB
	emit(ctx, d.notifier, topicDownlink, EventKindWindowCompleted, payload)
	return completed, nil
}

// AvailableBandwidth sums bandwidth*(1-load/100) over online stations. It is advisory.
func (d *DownlinkManager) AvailableBandwidth(ctx context.Context) (float64, error) {
	stations, err := d.store.ListGroundStations(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, st := range stations {
		if st.Status != models.StationOnline {
			continue
		}
		total += st.BandwidthMbps * (1 - st.CurrentLoad/100)
	}
	return total, nil
}

// GetActiveWindows returns scheduled or active windows in progress now.
func (d *DownlinkManager) GetActiveWindows(ctx context.Context) ([]models.ContactWindow, error) {
	return d.store.ListActiveWindows(ctx, d.now())
}

// GetUpcomingWindows returns the satellite's next scheduled windows.
func (d *DownlinkManager) GetUpcomingWindows(ctx context.Context, satelliteID string, limit int) ([]models.ContactWindow, error) {
	return d.store.ListUpcomingWindows(ctx, satelliteID, d.now(), limit)
}

// Cleanup marks windows past LOS as missed and deletes missed windows older than the
// retention period.
func (d *DownlinkManager) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := d.now()
	var report CleanupReport
	missed, err := d.store.MarkMissedWindows(ctx, now)
	if err != nil {
		return report, err
	}
	report.Missed = missed
	deleted, err := d.store.DeletePastWindows(ctx, now.Add(-d.cfg.MissedRetention))
	if err != nil {
		return report, err
	}
	report.Deleted = deleted
	d.metrics.AddWindowsCleaned("missed", missed)
	d.metrics.AddWindowsCleaned("deleted", deleted)
	if missed > 0 {
		emit(ctx, d.notifier, topicDownlink, EventKindWindowsMissed, map[string]any{
			"schema":  eventContractSchemaVersion,
			"missed":  missed,
			"deleted": deleted,
		})
		raise(ctx, d.notifier, d.metrics, notify.Alarm{
			Kind:     AlarmWindowsMissed,
			Severity: notify.SeverityWarning,
			Message:  fmt.Sprintf("%d contact windows passed without completing", missed),
			Scope:    "downlink",
			Context:  map[string]any{"missed": missed},
		})
	}
	return report, nil
}

// StartCleanup runs Cleanup on interval until ctx is canceled.
func (d *DownlinkManager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.Cleanup(ctx); err != nil && ctx.Err() == nil {
					d.log.Warn(ctx, "contact window cleanup", logging.Err(err))
				}
			}
		}
	}()
}
