// Package notify carries mission and downlink events to their sinks.
//
// Publication is fire-and-forget: a sink failure or panic is logged and never
// propagates to the operation that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/groundseg/missiond/internal/logging"
)

// Severity grades an alarm.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alarm is an operator-facing condition raised by the core.
type Alarm struct {
	Kind     string
	Severity Severity
	Message  string
	// Scope names the affected entity, e.g. "mission:<id>" or "satellite:<id>".
	Scope   string
	Context map[string]any
}

// Publisher receives events on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload map[string]any) error
}

// AlarmRaiser receives alarms.
type AlarmRaiser interface {
	Raise(ctx context.Context, alarm Alarm) error
}

// Notifier forwards events and alarms to their sinks without letting failures escape.
type Notifier struct {
	events Publisher
	alarms AlarmRaiser
	log    logging.Logger
}

// NewNotifier wraps the given sinks. Either sink may be nil.
func NewNotifier(events Publisher, alarms AlarmRaiser, log logging.Logger) *Notifier {
	if log == nil {
		log = logging.Noop()
	}
	return &Notifier{events: events, alarms: alarms, log: log}
}

// Event publishes an event and reports whether the sink accepted it.
func (n *Notifier) Event(ctx context.Context, topic, event string, payload map[string]any) (ok bool) {
	if n == nil || n.events == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn(ctx, "event sink panicked",
				logging.String("topic", topic), logging.String("event", event), logging.Any("panic", r))
			ok = false
		}
	}()
	if err := n.events.Publish(ctx, topic, event, payload); err != nil {
		n.log.Warn(ctx, "event publish failed",
			logging.String("topic", topic), logging.String("event", event), logging.Err(err))
		return false
	}
	return true
}

// Alarm raises an alarm and reports whether the sink accepted it.
func (n *Notifier) Alarm(ctx context.Context, alarm Alarm) (ok bool) {
	if n == nil || n.alarms == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn(ctx, "alarm sink panicked", logging.String("kind", alarm.Kind), logging.Any("panic", r))
			ok = false
		}
	}()
	if err := n.alarms.Raise(ctx, alarm); err != nil {
		n.log.Warn(ctx, "alarm raise failed", logging.String("kind", alarm.Kind), logging.Err(err))
		return false
	}
	return true
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

// Publish delivers to all publishers and joins their errors.
func (f Fanout) Publish(ctx context.Context, topic, event string, payload map[string]any) error {
	var errs []error
	for i, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, event, payload); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// AlarmFanout raises every alarm on each raiser in order.
type AlarmFanout []AlarmRaiser

// Raise delivers to all raisers and joins their errors.
func (f AlarmFanout) Raise(ctx context.Context, alarm Alarm) error {
	var errs []error
	for i, r := range f {
		if r == nil {
			continue
		}
		if err := r.Raise(ctx, alarm); err != nil {
			errs = append(errs, fmt.Errorf("raiser %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
