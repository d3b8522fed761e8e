package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/ledger"
)

// SeedReport counts rows created and skipped by ApplySeed.
type SeedReport struct {
	StationsCreated    int
	StationsSkipped    int
	WindowsCreated     int
	WindowsSkipped     int
	SatellitesAssigned int
}

// ApplySeed inserts seed stations and windows that do not exist yet and seeds the
// ledger with satellite state. seeder may be nil when no satellites are given.
func ApplySeed(ctx context.Context, store *db.Store, seeder ledger.Seeder, data config.SeedData) (SeedReport, error) {
	var report SeedReport
	for _, station := range data.Stations {
		_, err := store.GetGroundStation(ctx, station.ID)
		if err == nil {
			report.StationsSkipped++
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return report, fmt.Errorf("lookup station %s: %w", station.ID, err)
		}
		if err := store.CreateGroundStation(ctx, station); err != nil {
			return report, err
		}
		report.StationsCreated++
	}
	for _, window := range data.Windows {
		_, err := store.GetContactWindow(ctx, window.ID)
		if err == nil {
			report.WindowsSkipped++
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return report, fmt.Errorf("lookup window %s: %w", window.ID, err)
		}
		if err := store.CreateContactWindow(ctx, window); err != nil {
			return report, err
		}
		report.WindowsCreated++
	}
	if len(data.Satellites) > 0 && seeder == nil {
		return report, errors.New("ledger does not accept seed state")
	}
	for _, state := range data.Satellites {
		if err := seeder.Seed(ctx, state); err != nil {
			return report, fmt.Errorf("seed satellite %s: %w", state.SatelliteID, err)
		}
		report.SatellitesAssigned++
	}
	return report, nil
}
