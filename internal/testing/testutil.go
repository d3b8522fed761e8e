// ABOUTME: Package testing provides shared test utilities and helper functions for missiond.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the missiond codebase.
//
// Key utilities:
//   - Model factories: NewTestMission, NewTestGroundStation, NewTestContactWindow
//   - Test helpers: AssertJSONEqual, Eventually
//   - Test constants: FixedTime, TestSatelliteID, TestStationID
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestSatelliteID   = "SAT-1"
	TestSatelliteAlt  = "SAT-2"
	TestStationID     = "gs-svalbard"
	TestStationCode   = "SVALBARD"
	TestStationAltID  = "gs-kiruna"
	TestStationBWMbps = 100.0
)

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// Both values are marshaled and compared after unmarshaling, ignoring
// differences in whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// Eventually waits up to two seconds for cond to hold.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// MissionOpts holds optional parameters for creating test missions.
// Empty fields use the defaults defined in NewTestMission.
type MissionOpts struct {
	ID                string
	Type              models.MissionType
	SatelliteID       string
	Priority          models.Priority
	Status            models.MissionStatus
	RequiredEnergy    float64
	RequiredMemory    float64
	RequiredBandwidth float64
	Payload           map[string]any
	RetryCount        int
	MaxRetries        int
	Deadline          time.Time
	CreatedAt         time.Time
}

// NewTestMission creates a pending imaging mission, applying optional overrides.
//
// Example:
//
//	mission := NewTestMission(testing.MissionOpts{
//	    Type:           models.MissionOrbitAdjust,
//	    RequiredEnergy: 30,
//	})
func NewTestMission(opts MissionOpts) models.Mission {
	if opts.ID == "" {
		opts.ID = "mission-test-1"
	}
	if opts.Type == "" {
		opts.Type = models.MissionImaging
	}
	if opts.SatelliteID == "" {
		opts.SatelliteID = TestSatelliteID
	}
	if opts.Priority == 0 {
		opts.Priority = models.PriorityNormal
	}
	if opts.Status == "" {
		opts.Status = models.MissionPending
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}

	return models.Mission{
		ID:                opts.ID,
		Type:              opts.Type,
		SatelliteID:       opts.SatelliteID,
		Priority:          opts.Priority,
		Status:            opts.Status,
		RequiredEnergy:    opts.RequiredEnergy,
		RequiredMemory:    opts.RequiredMemory,
		RequiredBandwidth: opts.RequiredBandwidth,
		Payload:           opts.Payload,
		RetryCount:        opts.RetryCount,
		MaxRetries:        opts.MaxRetries,
		Deadline:          opts.Deadline,
		CreatedAt:         opts.CreatedAt,
		UpdatedAt:         opts.CreatedAt,
	}
}

// StationOpts holds optional parameters for creating test ground stations.
type StationOpts struct {
	ID            string
	Code          string
	Name          string
	BandwidthMbps float64
	Status        models.StationStatus
	CurrentLoad   float64
}

// NewTestGroundStation creates an online 100 Mbps ground station, applying optional overrides.
func NewTestGroundStation(opts StationOpts) models.GroundStation {
	if opts.ID == "" {
		opts.ID = TestStationID
	}
	if opts.Code == "" {
		opts.Code = TestStationCode
	}
	if opts.Name == "" {
		opts.Name = "Svalbard Satellite Station"
	}
	if opts.BandwidthMbps == 0 {
		opts.BandwidthMbps = TestStationBWMbps
	}
	if opts.Status == "" {
		opts.Status = models.StationOnline
	}

	return models.GroundStation{
		ID:              opts.ID,
		Code:            opts.Code,
		Name:            opts.Name,
		Latitude:        78.23,
		Longitude:       15.39,
		AltitudeM:       500,
		BandwidthMbps:   opts.BandwidthMbps,
		MinElevationDeg: 5,
		Status:          opts.Status,
		CurrentLoad:     opts.CurrentLoad,
		CreatedAt:       FixedTime,
		UpdatedAt:       FixedTime,
	}
}

// WindowOpts holds optional parameters for creating test contact windows.
type WindowOpts struct {
	ID                 string
	SatelliteID        string
	GroundStationID    string
	AOS                time.Time
	Duration           time.Duration
	AllocatedBandwidth float64
	Status             models.WindowStatus
}

// NewTestContactWindow creates a ten minute scheduled window starting one minute
// after FixedTime, applying optional overrides.
func NewTestContactWindow(opts WindowOpts) models.ContactWindow {
	if opts.ID == "" {
		opts.ID = "window-test-1"
	}
	if opts.SatelliteID == "" {
		opts.SatelliteID = TestSatelliteID
	}
	if opts.GroundStationID == "" {
		opts.GroundStationID = TestStationID
	}
	if opts.AOS.IsZero() {
		opts.AOS = FixedTime.Add(time.Minute)
	}
	if opts.Duration == 0 {
		opts.Duration = 10 * time.Minute
	}
	if opts.Status == "" {
		opts.Status = models.WindowScheduled
	}

	return models.ContactWindow{
		ID:                 opts.ID,
		SatelliteID:        opts.SatelliteID,
		GroundStationID:    opts.GroundStationID,
		AOS:                opts.AOS,
		LOS:                opts.AOS.Add(opts.Duration),
		MaxElevationDeg:    42,
		AllocatedBandwidth: opts.AllocatedBandwidth,
		Status:             opts.Status,
		CreatedAt:          FixedTime,
		UpdatedAt:          FixedTime,
	}
}
