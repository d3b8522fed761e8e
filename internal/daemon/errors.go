package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

var (
	ErrMissionAlreadyRunning   = errors.New("mission already running")
	ErrInvalidWindowTransition = errors.New("invalid contact window transition")
	ErrSchedulerStopped        = errors.New("scheduler stopped")
	// ErrMissionCanceled is returned to a synchronous Execute caller whose mission was canceled.
	ErrMissionCanceled = errors.New("mission canceled")
)

// Violation is one failed constraint on a submitted value.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// ValidationError lists every constraint a mission or request failed.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the names of the violated fields in order.
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Field)
	}
	return out
}

type ResourceReservationFailedError struct {
	MissionID   string
	SatelliteID string
	Err         error
}

func (e *ResourceReservationFailedError) Error() string {
	return fmt.Sprintf("reserve resources for mission %s on %s: %v", e.MissionID, e.SatelliteID, e.Err)
}

func (e *ResourceReservationFailedError) Unwrap() error { return e.Err }

type UnknownMissionTypeError struct {
	Type models.MissionType
}

func (e *UnknownMissionTypeError) Error() string {
	return fmt.Sprintf("unknown mission type %q", string(e.Type))
}

// NotRunningError reports that no in-flight entry matches the mission id.
type NotRunningError struct {
	MissionID string
	// Status is the stored status when the mission exists but is not running.
	Status models.MissionStatus
}

func (e *NotRunningError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("mission %s is not running (status %s)", e.MissionID, e.Status)
	}
	return fmt.Sprintf("mission %s is not running", e.MissionID)
}

// NotFoundError reports an id with no stored entity. Kind is "mission" or "contact window".
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

type NoAvailableWindowError struct {
	SatelliteID       string
	RequiredBandwidth float64
}

func (e *NoAvailableWindowError) Error() string {
	return fmt.Sprintf("no contact window available for %s with %.2f Mbps", e.SatelliteID, e.RequiredBandwidth)
}

type DeadlineExceededError struct {
	MissionID string
	Deadline  time.Time
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("mission %s deadline %s exceeded", e.MissionID, e.Deadline.UTC().Format(time.RFC3339))
}

// ExecutionTimeoutError reports that a synchronous caller stopped waiting. The
// mission keeps running until completion or an explicit cancel.
type ExecutionTimeoutError struct {
	MissionID string
	Timeout   time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("mission %s still running after %s", e.MissionID, e.Timeout)
}

// PersistenceError reports that a mission outcome could not be written to the store.
type PersistenceError struct {
	MissionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s mission %s: %v", e.Op, e.MissionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// mission panics surface as this error.
type missionCrashError struct {
	Value any
}

func (e *missionCrashError) Error() string {
	return fmt.Sprintf("mission crashed: %v", e.Value)
}

const errorCodeVersion = "v1"

const (
	errorCodeValidation     = errorCodeVersion + "/validation/invalid_mission"
	errorCodeReservation    = errorCodeVersion + "/resources/reservation_failed"
	errorCodeUnknownType    = errorCodeVersion + "/mission/unknown_type"
	errorCodeNotRunning     = errorCodeVersion + "/mission/not_running"
	errorCodeNotFound       = errorCodeVersion + "/resource/not_found"
	errorCodeNoWindow       = errorCodeVersion + "/downlink/no_available_window"
	errorCodeDeadline       = errorCodeVersion + "/mission/deadline_exceeded"
	errorCodeTimeout        = errorCodeVersion + "/mission/timeout"
	errorCodeCrash          = errorCodeVersion + "/mission/crashed"
	errorCodePersistence    = errorCodeVersion + "/store/persist_failed"
	errorCodeCanceled       = errorCodeVersion + "/mission/canceled"
	errorCodeAlreadyRunning = errorCodeVersion + "/mission/already_running"
	errorCodeInternal       = errorCodeVersion + "/internal/error"
)

// ErrorCode classifies err into a stable code carried on events and alarms.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation  *ValidationError
		reservation *ResourceReservationFailedError
		unknownType *UnknownMissionTypeError
		notRunning  *NotRunningError
		notFound    *NotFoundError
		noWindow    *NoAvailableWindowError
		deadline    *DeadlineExceededError
		timeout     *ExecutionTimeoutError
		crash       *missionCrashError
		persistence *PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		return errorCodeValidation
	case errors.As(err, &reservation):
		return errorCodeReservation
	case errors.As(err, &unknownType):
		return errorCodeUnknownType
	case errors.As(err, &notRunning):
		return errorCodeNotRunning
	case errors.As(err, &notFound):
		return errorCodeNotFound
	case errors.As(err, &noWindow):
		return errorCodeNoWindow
	case errors.As(err, &deadline):
		return errorCodeDeadline
	case errors.As(err, &timeout):
		return errorCodeTimeout
	case errors.As(err, &crash):
		return errorCodeCrash
	case errors.As(err, &persistence):
		return errorCodePersistence
	case errors.Is(err, ErrMissionAlreadyRunning):
		return errorCodeAlreadyRunning
	case errors.Is(err, ErrMissionCanceled):
		return errorCodeCanceled
	default:
		return errorCodeInternal
	}
}
