package daemon

import (
	"math"
	"strings"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

// MissionRequest carries the caller-supplied attributes of a new mission.
type MissionRequest struct {
	// ID is optional; a UUID is assigned when empty.
	ID                string
	Type              models.MissionType
	SatelliteID       string
	Priority          models.Priority
	RequiredEnergy    float64
	RequiredMemory    float64
	RequiredBandwidth float64
	Payload           map[string]any
	// MaxRetries is the total attempt budget. Zero selects the scheduler default.
	MaxRetries int
	Deadline   time.Time
}

// numeric payload keys checked per mission type
var payloadNumbers = map[models.MissionType][]string{
	models.MissionImaging:        {"resolution_m", "exposure_ms"},
	models.MissionDataCollection: {"samples"},
	models.MissionOrbitAdjust:    {"delta_v", "burn_seconds"},
	models.MissionDownlink:       {"data_mb", "min_duration_seconds"},
	models.MissionManeuver:       {"delta_v", "attitude_deg"},
	models.MissionCommunication:  {"message_bytes"},
}

type violations []Violation

func (v *violations) add(field, msg string) {
	*v = append(*v, Violation{Field: field, Message: msg})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Violations: v}
}

func validateMissionRequest(req MissionRequest, now time.Time) error {
	var v violations
	if strings.TrimSpace(string(req.Type)) == "" {
		v.add("type", "is required")
	} else if !req.Type.Valid() {
		v.add("type", "unknown mission type "+string(req.Type))
	}
	if strings.TrimSpace(req.SatelliteID) == "" {
		v.add("satellite_id", "is required")
	}
	if req.Priority != 0 && !req.Priority.Valid() {
		v.add("priority", "must be low, normal, high or critical")
	}
	checkPercent(&v, "required_energy", req.RequiredEnergy)
	checkPercent(&v, "required_memory", req.RequiredMemory)
	if math.IsNaN(req.RequiredBandwidth) || req.RequiredBandwidth < 0 {
		v.add("required_bandwidth", "must not be negative")
	} else if req.Type == models.MissionDownlink && req.RequiredBandwidth == 0 {
		v.add("required_bandwidth", "is required for downlink missions")
	}
	if req.MaxRetries < 0 {
		v.add("max_retries", "must not be negative")
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(now) {
		v.add("deadline", "must be in the future")
	}
	for _, key := range payloadNumbers[req.Type] {
		raw, ok := req.Payload[key]
		if !ok {
			continue
		}
		if n, ok := payloadFloat(raw); !ok || n < 0 {
			v.add("payload."+key, "must be a non-negative number")
		}
	}
	return v.err()
}

// validateExecutable checks a stored mission right before it runs.
func validateExecutable(m models.Mission) error {
	var v violations
	if strings.TrimSpace(m.ID) == "" {
		v.add("id", "is required")
	}
	if strings.TrimSpace(m.SatelliteID) == "" {
		v.add("satellite_id", "is required")
	}
	if m.Status != "" && m.Status != models.MissionPending {
		v.add("status", "must be pending, got "+string(m.Status))
	}
	if m.RequiredEnergy < 0 {
		v.add("required_energy", "must not be negative")
	}
	if m.RequiredMemory < 0 {
		v.add("required_memory", "must not be negative")
	}
	if m.RequiredBandwidth < 0 {
		v.add("required_bandwidth", "must not be negative")
	}
	if m.MaxRetries > 0 && m.RetryCount > m.MaxRetries {
		v.add("retry_count", "exceeds max_retries")
	}
	return v.err()
}

func checkPercent(v *violations, field string, value float64) {
	if math.IsNaN(value) || value < 0 || value > 100 {
		v.add(field, "must be within [0, 100]")
	}
}

func payloadFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func payloadNumber(payload map[string]any, key string, fallback float64) float64 {
	if n, ok := payloadFloat(payload[key]); ok {
		return n
	}
	return fallback
}

func payloadString(payload map[string]any, key, fallback string) string {
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}
