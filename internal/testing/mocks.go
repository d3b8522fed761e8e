package testing

import (
	"context"
	"sync"
	"time"

	"github.com/groundseg/missiond/internal/models"
)

// StateStore mirrors the resource ledger methods so fixtures can wrap any ledger.
type StateStore interface {
	GetState(ctx context.Context, satelliteID string) (models.SatelliteState, error)
	UpdateEnergy(ctx context.Context, satelliteID string, value float64) error
	UpdateMemory(ctx context.Context, satelliteID string, value float64) error
}

// FlakyLedger wraps a StateStore and injects failures on demand.
type FlakyLedger struct {
	Inner StateStore

	mu sync.Mutex
	// GetErr is returned from GetState when set.
	GetErr error
	// EnergyErr is returned from UpdateEnergy when set.
	EnergyErr error
	// MemoryErr is returned from UpdateMemory when set. MemoryFailAfter lets that many
	// memory writes through first.
	MemoryErr       error
	MemoryFailAfter int

	memoryWrites int
	calls        []string
}

// NewFlakyLedger wraps inner with no failures armed.
func NewFlakyLedger(inner StateStore) *FlakyLedger {
	return &FlakyLedger{Inner: inner}
}

func (f *FlakyLedger) GetState(ctx context.Context, satelliteID string) (models.SatelliteState, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "get:"+satelliteID)
	err := f.GetErr
	f.mu.Unlock()
	if err != nil {
		return models.SatelliteState{}, err
	}
	return f.Inner.GetState(ctx, satelliteID)
}

func (f *FlakyLedger) UpdateEnergy(ctx context.Context, satelliteID string, value float64) error {
	f.mu.Lock()
	f.calls = append(f.calls, "energy:"+satelliteID)
	err := f.EnergyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Inner.UpdateEnergy(ctx, satelliteID, value)
}

func (f *FlakyLedger) UpdateMemory(ctx context.Context, satelliteID string, value float64) error {
	f.mu.Lock()
	f.calls = append(f.calls, "memory:"+satelliteID)
	f.memoryWrites++
	var err error
	if f.MemoryErr != nil && f.memoryWrites > f.MemoryFailAfter {
		err = f.MemoryErr
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Inner.UpdateMemory(ctx, satelliteID, value)
}

// Calls returns the operations seen so far, e.g. "memory:SAT-1".
func (f *FlakyLedger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ManualClock is a settable clock for deadline and backoff tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
