// Package models provides data structures and constants for missiond.
//
// This package contains the core domain models used throughout missiond:
//   - Mission: A discrete unit of work assigned to a satellite
//   - ContactWindow: A ground-station visibility interval with bandwidth accounting
//   - GroundStation: A ground-segment antenna with a fixed downlink capacity
//   - SatelliteState: Live onboard energy and memory levels
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MissionType identifies which handler runs a mission.
type MissionType string

const (
	MissionImaging        MissionType = "imaging"
	MissionDataCollection MissionType = "data_collection"
	MissionOrbitAdjust    MissionType = "orbit_adjust"
	MissionDownlink       MissionType = "downlink"
	MissionMaintenance    MissionType = "maintenance"
	MissionManeuver       MissionType = "maneuver"
	MissionCommunication  MissionType = "communication"
)

// MissionTypes lists every mission type accepted at submission.
var MissionTypes = []MissionType{
	MissionImaging,
	MissionDataCollection,
	MissionOrbitAdjust,
	MissionDownlink,
	MissionMaintenance,
	MissionManeuver,
	MissionCommunication,
}

// Valid reports whether t is one of the known mission types.
func (t MissionType) Valid() bool {
	for _, known := range MissionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders missions for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a defined priority level.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a priority name to its level. An empty name maps to normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", value)
	}
}

// MissionStatus represents the current status of a mission in its lifecycle.
//
// Mission state transitions:
//
//	pending → running → (completed|failed|canceled)
//
// A failed mission may re-enter pending as a retry attempt. A pending mission may be
// canceled directly by an operator.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCanceled  MissionStatus = "canceled"
)

// IsTerminal reports whether no further transition is expected from s.
// Failed is terminal unless the scheduler re-queues the mission as a retry.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionCanceled
}

// Mission represents a unit of work executed on a satellite.
//
// Fields:
//   - ID: Unique mission identifier (UUID)
//   - Type: Mission type selecting the handler
//   - SatelliteID: Target satellite
//   - Priority: Dispatch priority
//   - Status: Current lifecycle status
//   - RequiredEnergy: Energy consumed on reservation (percentage points)
//   - RequiredMemory: Scratch memory held while running (percentage points)
//   - RequiredBandwidth: Downlink bandwidth in Mbps (downlink missions only)
//   - Payload: Type-specific parameters
//   - Result: Type-specific result, set on completion
//   - FailureReason: Last failure or cancellation reason
//   - RetryCount / MaxRetries: Attempt accounting
//   - Deadline: Latest dispatch time (zero if none)
//   - NextAttemptAt: Earliest dispatch time for a retry (zero if immediate)
type Mission struct {
	ID                string
	Type              MissionType
	SatelliteID       string
	Priority          Priority
	Status            MissionStatus
	RequiredEnergy    float64
	RequiredMemory    float64
	RequiredBandwidth float64
	Payload           map[string]any
	Result            map[string]any
	FailureReason     string
	RetryCount        int
	MaxRetries        int
	Deadline          time.Time
	NextAttemptAt     time.Time
	CreatedAt         time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	UpdatedAt         time.Time
}

// HasDeadline reports whether the mission carries a dispatch deadline.
func (m Mission) HasDeadline() bool {
	return !m.Deadline.IsZero()
}

// WindowStatus represents the lifecycle of a contact window.
//
//	scheduled → active → (completed|missed)
type WindowStatus string

const (
	WindowScheduled WindowStatus = "scheduled"
	WindowActive    WindowStatus = "active"
	WindowCompleted WindowStatus = "completed"
	WindowMissed    WindowStatus = "missed"
)

// ContactWindow is an interval during which a satellite can exchange data with a
// ground station. AllocatedBandwidth never exceeds the owning station's capacity.
type ContactWindow struct {
	ID                 string
	SatelliteID        string
	GroundStationID    string
	AOS                time.Time
	LOS                time.Time
	MaxElevationDeg    float64
	AllocatedBandwidth float64
	Status             WindowStatus
	DataTransferredMB  float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DurationSeconds returns LOS minus AOS in seconds.
func (w ContactWindow) DurationSeconds() float64 {
	return w.LOS.Sub(w.AOS).Seconds()
}

// InProgress reports whether now falls within [AOS, LOS].
func (w ContactWindow) InProgress(now time.Time) bool {
	return !now.Before(w.AOS) && !now.After(w.LOS)
}

// StationStatus is the operational state of a ground station.
type StationStatus string

const (
	StationOnline      StationStatus = "online"
	StationOffline     StationStatus = "offline"
	StationMaintenance StationStatus = "maintenance"
)

// GroundStation is a ground-segment antenna. Only online stations receive new allocations.
type GroundStation struct {
	ID              string
	Code            string
	Name            string
	Latitude        float64
	Longitude       float64
	AltitudeM       float64
	BandwidthMbps   float64
	MinElevationDeg float64
	Status          StationStatus
	CurrentLoad     float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SatelliteState holds the live resource levels tracked by the resource ledger.
// Both values are percentages in [0, 100].
type SatelliteState struct {
	SatelliteID string    `json:"satellite_id"`
	Energy      float64   `json:"energy"`
	MemoryUsed  float64   `json:"memory_used"`
	UpdatedAt   time.Time `json:"updated_at"`
}
