// Package ledger tracks live satellite energy and memory levels.
//
// The executor reads a satellite's state before reserving resources and writes the
// computed levels back. Implementations must be safe for concurrent callers on the
// same satellite.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

// ErrSatelliteNotFound is returned when the ledger holds no state for a satellite.
var ErrSatelliteNotFound = errors.New("satellite not found")

// Ledger is the resource ledger consumed by the mission executor.
type Ledger interface {
	GetState(ctx context.Context, satelliteID string) (models.SatelliteState, error)
	UpdateEnergy(ctx context.Context, satelliteID string, value float64) error
	UpdateMemory(ctx context.Context, satelliteID string, value float64) error
}

// Seeder installs initial satellite state.
type Seeder interface {
	Seed(ctx context.Context, state models.SatelliteState) error
}

func checkLevel(name string, value float64) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("%s level %v out of range [0, 100]", name, value)
	}
	return nil
}

// MemoryLedger is an in-process Ledger guarded by a mutex.
type MemoryLedger struct {
	mu     sync.Mutex
	states map[string]models.SatelliteState
	now    func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		states: make(map[string]models.SatelliteState),
		now:    time.Now,
	}
}

// WithClock overrides the timestamp source used for UpdatedAt.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	if l == nil || now == nil {
		return l
	}
	l.now = now
	return l
}

// Seed installs or replaces a satellite's state.
func (l *MemoryLedger) Seed(_ context.Context, state models.SatelliteState) error {
	if state.SatelliteID == "" {
		return errors.New("satellite id is required")
	}
	if err := checkLevel("energy", state.Energy); err != nil {
		return err
	}
	if err := checkLevel("memory", state.MemoryUsed); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = l.now().UTC()
	}
	l.states[state.SatelliteID] = state
	return nil
}

// GetState returns the satellite's current levels.
func (l *MemoryLedger) GetState(ctx context.Context, satelliteID string) (models.SatelliteState, error) {
	if err := ctx.Err(); err != nil {
		return models.SatelliteState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[satelliteID]
	if !ok {
		return models.SatelliteState{}, fmt.Errorf("get state %s: %w", satelliteID, ErrSatelliteNotFound)
	}
	return state, nil
}

// UpdateEnergy sets the satellite's energy level.
func (l *MemoryLedger) UpdateEnergy(ctx context.Context, satelliteID string, value float64) error {
	if err := checkLevel("energy", value); err != nil {
		return err
	}
	return l.update(ctx, satelliteID, func(s *models.SatelliteState) { s.Energy = value })
}

// UpdateMemory sets the satellite's used memory level.
func (l *MemoryLedger) UpdateMemory(ctx context.Context, satelliteID string, value float64) error {
	if err := checkLevel("memory", value); err != nil {
		return err
	}
	return l.update(ctx, satelliteID, func(s *models.SatelliteState) { s.MemoryUsed = value })
}

// Satellites returns the ids of every tracked satellite.
func (l *MemoryLedger) Satellites() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.states))
	for id := range l.states {
		out = append(out, id)
	}
	return out
}

func (l *MemoryLedger) update(ctx context.Context, satelliteID string, apply func(*models.SatelliteState)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[satelliteID]
	if !ok {
		return fmt.Errorf("update state %s: %w", satelliteID, ErrSatelliteNotFound)
	}
	apply(&state)
	state.UpdatedAt = l.now().UTC()
	l.states[satelliteID] = state
	return nil
}
