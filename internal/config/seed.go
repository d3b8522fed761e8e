package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groundseg/missiond/internal/models"
)

// Seed is the on-disk fixture of ground stations, contact windows and satellites.
type Seed struct {
	GroundStations []SeedStation   `yaml:"ground_stations"`
	ContactWindows []SeedWindow    `yaml:"contact_windows"`
	Satellites     []SeedSatellite `yaml:"satellites"`
}

type SeedStation struct {
	ID              string  `yaml:"id"`
	Code            string  `yaml:"code"`
	Name            string  `yaml:"name"`
	Latitude        float64 `yaml:"latitude"`
	Longitude       float64 `yaml:"longitude"`
	AltitudeM       float64 `yaml:"altitude_m"`
	BandwidthMbps   float64 `yaml:"bandwidth_mbps"`
	MinElevationDeg float64 `yaml:"min_elevation_deg"`
	Status          string  `yaml:"status"`
}

// SeedWindow references its station by code. AOS is either an RFC3339 timestamp or a
// Go duration offset from the seeding time such as "+90s".
type SeedWindow struct {
	ID              string        `yaml:"id"`
	SatelliteID     string        `yaml:"satellite_id"`
	Station         string        `yaml:"station"`
	AOS             string        `yaml:"aos"`
	Duration        time.Duration `yaml:"duration"`
	MaxElevationDeg float64       `yaml:"max_elevation_deg"`
}

type SeedSatellite struct {
	ID         string  `yaml:"id"`
	Energy     float64 `yaml:"energy"`
	MemoryUsed float64 `yaml:"memory_used"`
}

// SeedData is a seed resolved against a reference time.
type SeedData struct {
	Stations   []models.GroundStation
	Windows    []models.ContactWindow
	Satellites []models.SatelliteState
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (Seed, error) {
	if strings.TrimSpace(path) == "" {
		return Seed{}, errors.New("seed path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return seed, nil
}

// Validate checks every entry and reports all problems at once.
func (s Seed) Validate() error {
	var errs []error
	codes := make(map[string]bool, len(s.GroundStations))
	for i, st := range s.GroundStations {
		code := strings.TrimSpace(st.Code)
		if code == "" {
			errs = append(errs, fmt.Errorf("ground_stations[%d]: code is required", i))
			continue
		}
		if codes[code] {
			errs = append(errs, fmt.Errorf("ground_stations[%d]: duplicate code %q", i, code))
		}
		codes[code] = true
		if st.BandwidthMbps <= 0 {
			errs = append(errs, fmt.Errorf("ground_stations[%d]: bandwidth_mbps must be positive", i))
		}
		switch models.StationStatus(st.Status) {
		case "", models.StationOnline, models.StationOffline, models.StationMaintenance:
		default:
			errs = append(errs, fmt.Errorf("ground_stations[%d]: unknown status %q", i, st.Status))
		}
	}
	for i, w := range s.ContactWindows {
		if strings.TrimSpace(w.SatelliteID) == "" {
			errs = append(errs, fmt.Errorf("contact_windows[%d]: satellite_id is required", i))
		}
		if !codes[strings.TrimSpace(w.Station)] {
			errs = append(errs, fmt.Errorf("contact_windows[%d]: unknown station %q", i, w.Station))
		}
		if w.Duration <= 0 {
			errs = append(errs, fmt.Errorf("contact_windows[%d]: duration must be positive", i))
		}
		if _, err := resolveAOS(w.AOS, time.Time{}); err != nil {
			errs = append(errs, fmt.Errorf("contact_windows[%d]: %w", i, err))
		}
	}
	for i, sat := range s.Satellites {
		if strings.TrimSpace(sat.ID) == "" {
			errs = append(errs, fmt.Errorf("satellites[%d]: id is required", i))
		}
		if sat.Energy < 0 || sat.Energy > 100 {
			errs = append(errs, fmt.Errorf("satellites[%d]: energy must be within [0, 100]", i))
		}
		if sat.MemoryUsed < 0 || sat.MemoryUsed > 100 {
			errs = append(errs, fmt.Errorf("satellites[%d]: memory_used must be within [0, 100]", i))
		}
	}
	return errors.Join(errs...)
}

// Resolve turns the seed into model values, placing offset windows relative to now.
// Missing ids are derived from codes so repeated seeding produces the same rows.
func (s Seed) Resolve(now time.Time) (SeedData, error) {
	now = now.UTC()
	var out SeedData
	stationIDs := make(map[string]string, len(s.GroundStations))
	for _, st := range s.GroundStations {
		code := strings.TrimSpace(st.Code)
		id := strings.TrimSpace(st.ID)
		if id == "" {
			id = "gs-" + strings.ToLower(code)
		}
		stationIDs[code] = id
		status := models.StationStatus(st.Status)
		if status == "" {
			status = models.StationOnline
		}
		out.Stations = append(out.Stations, models.GroundStation{
			ID:              id,
			Code:            code,
			Name:            st.Name,
			Latitude:        st.Latitude,
			Longitude:       st.Longitude,
			AltitudeM:       st.AltitudeM,
			BandwidthMbps:   st.BandwidthMbps,
			MinElevationDeg: st.MinElevationDeg,
			Status:          status,
		})
	}
	for i, w := range s.ContactWindows {
		code := strings.TrimSpace(w.Station)
		stationID, ok := stationIDs[code]
		if !ok {
			return SeedData{}, fmt.Errorf("contact_windows[%d]: unknown station %q", i, w.Station)
		}
		aos, err := resolveAOS(w.AOS, now)
		if err != nil {
			return SeedData{}, fmt.Errorf("contact_windows[%d]: %w", i, err)
		}
		id := strings.TrimSpace(w.ID)
		if id == "" {
			id = fmt.Sprintf("win-%s-%s-%d", strings.ToLower(w.SatelliteID), strings.ToLower(code), i)
		}
		out.Windows = append(out.Windows, models.ContactWindow{
			ID:              id,
			SatelliteID:     strings.TrimSpace(w.SatelliteID),
			GroundStationID: stationID,
			AOS:             aos,
			LOS:             aos.Add(w.Duration),
			MaxElevationDeg: w.MaxElevationDeg,
			Status:          models.WindowScheduled,
		})
	}
	for _, sat := range s.Satellites {
		out.Satellites = append(out.Satellites, models.SatelliteState{
			SatelliteID: strings.TrimSpace(sat.ID),
			Energy:      sat.Energy,
			MemoryUsed:  sat.MemoryUsed,
			UpdatedAt:   now,
		})
	}
	return out, nil
}

func resolveAOS(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("aos is required")
	}
	if strings.HasPrefix(value, "+") || strings.HasPrefix(value, "-") {
		offset, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse aos offset %q: %w", value, err)
		}
		return now.Add(offset), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse aos %q: %w", value, err)
	}
	return parsed.UTC(), nil
}
