package daemon

import (
	"context"
	"time"

	"github.com/groundseg/missiond/internal/models"
	"github.com/groundseg/missiond/internal/notify"
)

type EventKind string

const (
	topicMissions  = "missions"
	topicDownlink  = "downlink"
	topicScheduler = "scheduler"
)

const eventContractSchemaVersion = 1

const (
	// Mission lifecycle.
	EventKindMissionSubmitted      EventKind = "mission.submitted"
	EventKindMissionStarted        EventKind = "mission.started"
	EventKindMissionCompleted      EventKind = "mission.completed"
	EventKindMissionFailed         EventKind = "mission.failed"
	EventKindMissionCanceled       EventKind = "mission.canceled"
	EventKindMissionRetryScheduled EventKind = "mission.retry_scheduled"
	EventKindMissionExpired        EventKind = "mission.deadline_exceeded"

	// Downlink allocation and window lifecycle.
	EventKindDownlinkAllocated EventKind = "downlink.allocated"
	EventKindDownlinkRejected  EventKind = "downlink.rejected"
	EventKindWindowActivated   EventKind = "window.activated"
	EventKindWindowCompleted   EventKind = "window.completed"
	EventKindWindowsMissed     EventKind = "window.missed"

	// Scheduler control.
	EventKindSchedulerPaused  EventKind = "scheduler.paused"
	EventKindSchedulerResumed EventKind = "scheduler.resumed"
)

// Alarm kinds.
const (
	AlarmMissionFailed            = "mission_failed"
	AlarmMissionPermanentlyFailed = "mission_permanently_failed"
	AlarmMissionDeadlineExceeded  = "mission_deadline_exceeded"
	AlarmWindowsMissed            = "contact_windows_missed"
)

func missionPayload(m models.Mission) map[string]any {
	payload := map[string]any{
		"schema":       eventContractSchemaVersion,
		"mission_id":   m.ID,
		"satellite_id": m.SatelliteID,
		"type":         string(m.Type),
		"priority":     m.Priority.String(),
		"retry_count":  m.RetryCount,
		"max_retries":  m.MaxRetries,
	}
	if m.HasDeadline() {
		payload["deadline"] = m.Deadline.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

func windowPayload(w models.ContactWindow) map[string]any {
	return map[string]any{
		"schema":              eventContractSchemaVersion,
		"window_id":           w.ID,
		"satellite_id":        w.SatelliteID,
		"ground_station_id":   w.GroundStationID,
		"aos":                 w.AOS.UTC().Format(time.RFC3339Nano),
		"los":                 w.LOS.UTC().Format(time.RFC3339Nano),
		"allocated_bandwidth": w.AllocatedBandwidth,
		"status":              string(w.Status),
	}
}

// emit publishes an event through the fire-and-forget notifier.
func emit(ctx context.Context, n *notify.Notifier, topic string, kind EventKind, payload map[string]any) {
	if n == nil {
		return
	}
	n.Event(ctx, topic, string(kind), payload)
}

// raise counts and forwards an alarm.
func raise(ctx context.Context, n *notify.Notifier, m *Metrics, alarm notify.Alarm) {
	m.IncAlarm(alarm.Kind, string(alarm.Severity))
	if n == nil {
		return
	}
	n.Alarm(ctx, alarm)
}
