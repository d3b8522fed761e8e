package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/logging"
)

// StoreSink appends events and alarms to the events table.
type StoreSink struct {
	store *db.Store
}

// NewStoreSink returns a sink backed by store.
func NewStoreSink(store *db.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Publish records the event with its linked mission, window and satellite ids.
func (s *StoreSink) Publish(ctx context.Context, topic, event string, payload map[string]any) error {
	if s == nil || s.store == nil {
		return errors.New("store sink is nil")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return s.store.RecordEvent(ctx, db.Event{
		Kind:        event,
		MissionID:   stringField(payload, "mission_id"),
		WindowID:    stringField(payload, "window_id"),
		SatelliteID: stringField(payload, "satellite_id"),
		Message:     topic,
		JSON:        string(data),
	})
}

// Raise records the alarm as an "alarm.<kind>" event.
func (s *StoreSink) Raise(ctx context.Context, alarm Alarm) error {
	if s == nil || s.store == nil {
		return errors.New("store sink is nil")
	}
	data, err := json.Marshal(map[string]any{
		"severity": alarm.Severity,
		"scope":    alarm.Scope,
		"context":  alarm.Context,
	})
	if err != nil {
		return fmt.Errorf("marshal alarm %s: %w", alarm.Kind, err)
	}
	return s.store.RecordEvent(ctx, db.Event{
		Kind:        "alarm." + alarm.Kind,
		MissionID:   stringField(alarm.Context, "mission_id"),
		SatelliteID: stringField(alarm.Context, "satellite_id"),
		Message:     alarm.Message,
		JSON:        string(data),
	})
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// LogSink writes events at debug level and alarms at a level matching their severity.
type LogSink struct {
	log logging.Logger
}

// NewLogSink returns a sink that writes to log.
func NewLogSink(log logging.Logger) *LogSink {
	if log == nil {
		log = logging.Noop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, topic, event string, payload map[string]any) error {
	s.log.Debug(ctx, "event", logging.String("topic", topic), logging.String("event", event), logging.Any("payload", payload))
	return nil
}

func (s *LogSink) Raise(ctx context.Context, alarm Alarm) error {
	fields := []logging.Field{
		logging.String("kind", alarm.Kind),
		logging.String("severity", string(alarm.Severity)),
		logging.String("scope", alarm.Scope),
		logging.Any("context", alarm.Context),
	}
	switch alarm.Severity {
	case SeverityCritical:
		s.log.Error(ctx, alarm.Message, fields...)
	case SeverityWarning:
		s.log.Warn(ctx, alarm.Message, fields...)
	default:
		s.log.Info(ctx, alarm.Message, fields...)
	}
	return nil
}

// Published is an event captured by Recorder.
type Published struct {
	Topic   string
	Event   string
	Payload map[string]any
}

// Recorder captures events and alarms in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Published
	alarms []Alarm
	// Err, when set, is returned from every Publish and Raise after recording.
	Err error
	// Panic makes Publish and Raise panic after recording.
	Panic bool
}

func (r *Recorder) Publish(_ context.Context, topic, event string, payload map[string]any) error {
	r.mu.Lock()
	r.events = append(r.events, Published{Topic: topic, Event: event, Payload: payload})
	err, boom := r.Err, r.Panic
	r.mu.Unlock()
	if boom {
		panic("recorder publish")
	}
	return err
}

func (r *Recorder) Raise(_ context.Context, alarm Alarm) error {
	r.mu.Lock()
	r.alarms = append(r.alarms, alarm)
	err, boom := r.Err, r.Panic
	r.mu.Unlock()
	if boom {
		panic("recorder raise")
	}
	return err
}

// Events returns a copy of every recorded event.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Alarms returns a copy of every recorded alarm.
func (r *Recorder) Alarms() []Alarm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alarm(nil), r.alarms...)
}

// EventsNamed returns recorded events with the given name.
func (r *Recorder) EventsNamed(event string) []Published {
	var out []Published
	for _, ev := range r.Events() {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// AlarmsOfKind returns recorded alarms with the given kind.
func (r *Recorder) AlarmsOfKind(kind string) []Alarm {
	var out []Alarm
	for _, a := range r.Alarms() {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
