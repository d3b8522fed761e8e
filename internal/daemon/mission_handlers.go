package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/models"
)

// simulator draws deterministic run times and results from a seeded source.
type simulator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	durations map[models.MissionType]config.DurationRange
	timeScale float64
}

func newSimulator(cfg config.ExecutorConfig) *simulator {
	durations := config.DefaultDurations()
	for missionType, rng := range cfg.Durations {
		durations[missionType] = rng
	}
	scale := cfg.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return &simulator{
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		durations: durations,
		timeScale: scale,
	}
}

func (s *simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *simulator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *simulator) duration(missionType models.MissionType) time.Duration {
	rng := s.durations[missionType]
	d := rng.Base
	if rng.Jitter > 0 {
		d += time.Duration(s.float() * float64(rng.Jitter))
	}
	return time.Duration(float64(d) * s.timeScale)
}

// work sleeps for the mission type's simulated run time or until ctx ends.
func (s *simulator) work(ctx context.Context, missionType models.MissionType) (time.Duration, error) {
	d := s.duration(missionType)
	if d <= 0 {
		return 0, ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Downlinker is the part of the downlink manager used by downlink missions.
type Downlinker interface {
	RequestDownlink(ctx context.Context, satelliteID string, bandwidth float64, opts DownlinkOptions) (models.ContactWindow, error)
	ReportTransfer(ctx context.Context, windowID string, dataMB float64)
}

// SimulatedHandlers returns the built-in handler table. downlink may be nil, in
// which case downlink missions fail.
func SimulatedHandlers(cfg config.ExecutorConfig, downlink Downlinker) map[models.MissionType]MissionHandler {
	sim := newSimulator(cfg)
	handlers := map[models.MissionType]MissionHandler{
		models.MissionImaging:        sim.imaging,
		models.MissionDataCollection: sim.dataCollection,
		models.MissionOrbitAdjust:    sim.orbitAdjust,
		models.MissionDownlink:       downlinkHandler(sim, downlink),
		models.MissionMaintenance:    sim.maintenance,
		models.MissionManeuver:       sim.maneuver,
		models.MissionCommunication:  sim.communication,
	}
	for missionType, handler := range handlers {
		handlers[missionType] = withFaultInjection(handler)
	}
	return handlers
}

// withFaultInjection honors payload.simulate_failure and payload.simulate_panic.
func withFaultInjection(next MissionHandler) MissionHandler {
	return func(ctx context.Context, m models.Mission) (map[string]any, error) {
		if payloadBool(m.Payload, "simulate_panic") {
			panic(fmt.Sprintf("simulated crash in %s handler", m.Type))
		}
		out, err := next(ctx, m)
		if err != nil {
			return nil, err
		}
		if payloadBool(m.Payload, "simulate_failure") {
			return nil, fmt.Errorf("%s: %s", m.Type, payloadString(m.Payload, "failure_reason", "simulated fault"))
		}
		return out, nil
	}
}

func (s *simulator) imaging(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	resolution := payloadNumber(m.Payload, "resolution_m", 0.5)
	if resolution <= 0 {
		resolution = 0.5
	}
	images := 1 + s.intn(10)
	return map[string]any{
		"target":          payloadString(m.Payload, "target", "nadir"),
		"images_captured": images,
		"cloud_cover_pct": round2(s.float() * 100),
		"resolution_m":    resolution,
		"data_mb":         round2(float64(images) * 60 / resolution),
		"elapsed_ms":      elapsed.Milliseconds(),
	}, nil
}

func (s *simulator) dataCollection(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	samples := int(payloadNumber(m.Payload, "samples", 1000))
	collected := samples - s.intn(samples/20+1)
	if collected < 0 {
		collected = 0
	}
	return map[string]any{
		"sensor":            payloadString(m.Payload, "sensor", "radiometer"),
		"samples_requested": samples,
		"samples_collected": collected,
		"data_mb":           round2(float64(collected) * 0.01),
		"elapsed_ms":        elapsed.Milliseconds(),
	}, nil
}

func (s *simulator) orbitAdjust(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	deltaV := payloadNumber(m.Payload, "delta_v", 1.0)
	applied := deltaV * (0.98 + s.float()*0.02)
	return map[string]any{
		"delta_v_requested": deltaV,
		"delta_v_applied":   round2(applied),
		"fuel_used_kg":      round2(applied * 0.35),
		"burn_seconds":      payloadNumber(m.Payload, "burn_seconds", math.Ceil(deltaV*4)),
		"elapsed_ms":        elapsed.Milliseconds(),
	}, nil
}

func (s *simulator) maintenance(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task":               payloadString(m.Payload, "task", "health_check"),
		"checks_passed":      12 + s.intn(4),
		"battery_health_pct": round2(90 + s.float()*10),
		"elapsed_ms":         elapsed.Milliseconds(),
	}, nil
}

func (s *simulator) maneuver(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	slew := payloadNumber(m.Payload, "attitude_deg", 10)
	return map[string]any{
		"slew_deg":       slew,
		"pointing_error": round2(s.float() * 0.05),
		"settle_seconds": round2(slew * 0.8),
		"fuel_used_kg":   round2(payloadNumber(m.Payload, "delta_v", 0) * 0.35),
		"elapsed_ms":     elapsed.Milliseconds(),
	}, nil
}

func (s *simulator) communication(ctx context.Context, m models.Mission) (map[string]any, error) {
	elapsed, err := s.work(ctx, m.Type)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"bytes_sent":   int(payloadNumber(m.Payload, "message_bytes", 256)),
		"acknowledged": true,
		"elapsed_ms":   elapsed.Milliseconds(),
	}, nil
}

func downlinkHandler(sim *simulator, downlink Downlinker) MissionHandler {
	return func(ctx context.Context, m models.Mission) (map[string]any, error) {
		if downlink == nil {
			return nil, errors.New("downlink manager unavailable")
		}
		opts := DownlinkOptions{Deadline: m.Deadline}
		if secs := payloadNumber(m.Payload, "min_duration_seconds", 0); secs > 0 {
			opts.MinDuration = time.Duration(secs * float64(time.Second))
		}
		window, err := downlink.RequestDownlink(ctx, m.SatelliteID, m.RequiredBandwidth, opts)
		if err != nil {
			return nil, err
		}
		elapsed, err := sim.work(ctx, m.Type)
		if err != nil {
			return nil, err
		}
		dataMB := payloadNumber(m.Payload, "data_mb", 500)
		downlink.ReportTransfer(ctx, window.ID, dataMB)
		return map[string]any{
			"window_id":         window.ID,
			"ground_station_id": window.GroundStationID,
			"aos":               window.AOS.UTC().Format(time.RFC3339),
			"allocated_mbps":    m.RequiredBandwidth,
			"data_mb":           dataMB,
			"elapsed_ms":        elapsed.Milliseconds(),
		}, nil
	}
}
