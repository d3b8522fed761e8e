package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/groundseg/missiond/internal/models"
)

const (
	defaultEtcdPrefix  = "/missiond/v1"
	defaultDialTimeout = 5 * time.Second
	maxCASAttempts     = 16
)

// ErrCASExhausted is returned when a compare-and-set update keeps losing to
// concurrent writers.
var ErrCASExhausted = errors.New("ledger compare-and-set retries exhausted")

// EtcdConfig configures the etcd-backed ledger.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// EtcdLedger stores each satellite's state as a JSON value under Prefix/satellites/<id>.
//
// Updates are read-modify-write transactions guarded by the key's ModRevision so
// concurrent reservations from several daemons never overwrite each other.
type EtcdLedger struct {
	client *clientv3.Client
	prefix string
	now    func() time.Time
}

// NewEtcdLedger dials the etcd cluster and returns a ready ledger. The caller must
// call Close when finished.
func NewEtcdLedger(cfg EtcdConfig) (*EtcdLedger, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return NewEtcdLedgerFromClient(client, cfg.Prefix), nil
}

// NewEtcdLedgerFromClient wraps an existing etcd client.
func NewEtcdLedgerFromClient(client *clientv3.Client, prefix string) *EtcdLedger {
	return &EtcdLedger{client: client, prefix: normalizePrefix(prefix), now: time.Now}
}

// Close releases the underlying etcd client connection.
func (l *EtcdLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return defaultEtcdPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

func (l *EtcdLedger) key(satelliteID string) string {
	return fmt.Sprintf("%s/satellites/%s", l.prefix, satelliteID)
}

// Seed writes a satellite's initial state only if none exists yet.
func (l *EtcdLedger) Seed(ctx context.Context, state models.SatelliteState) error {
	if state.SatelliteID == "" {
		return errors.New("satellite id is required")
	}
	if err := checkLevel("energy", state.Energy); err != nil {
		return err
	}
	if err := checkLevel("memory", state.MemoryUsed); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = l.now().UTC()
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	k := l.key(state.SatelliteID)
	_, err = l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, data)).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn seed %q: %w", k, err)
	}
	return nil
}

// GetState returns the satellite's current levels.
func (l *EtcdLedger) GetState(ctx context.Context, satelliteID string) (models.SatelliteState, error) {
	state, _, err := l.load(ctx, satelliteID)
	return state, err
}

// UpdateEnergy sets the satellite's energy level.
func (l *EtcdLedger) UpdateEnergy(ctx context.Context, satelliteID string, value float64) error {
	if err := checkLevel("energy", value); err != nil {
		return err
	}
	return l.update(ctx, satelliteID, func(s *models.SatelliteState) { s.Energy = value })
}

// UpdateMemory sets the satellite's used memory level.
func (l *EtcdLedger) UpdateMemory(ctx context.Context, satelliteID string, value float64) error {
	if err := checkLevel("memory", value); err != nil {
		return err
	}
	return l.update(ctx, satelliteID, func(s *models.SatelliteState) { s.MemoryUsed = value })
}

func (l *EtcdLedger) load(ctx context.Context, satelliteID string) (models.SatelliteState, int64, error) {
	k := l.key(satelliteID)
	resp, err := l.client.Get(ctx, k)
	if err != nil {
		return models.SatelliteState{}, 0, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return models.SatelliteState{}, 0, fmt.Errorf("get state %s: %w", satelliteID, ErrSatelliteNotFound)
	}
	state, err := decodeState(resp.Kvs[0].Value)
	if err != nil {
		return models.SatelliteState{}, 0, fmt.Errorf("unmarshal %q: %w", k, err)
	}
	return state, resp.Kvs[0].ModRevision, nil
}

func (l *EtcdLedger) update(ctx context.Context, satelliteID string, apply func(*models.SatelliteState)) error {
	k := l.key(satelliteID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		state, rev, err := l.load(ctx, satelliteID)
		if err != nil {
			return err
		}
		apply(&state)
		state.UpdatedAt = l.now().UTC()
		data, err := encodeState(state)
		if err != nil {
			return err
		}
		resp, err := l.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
			Then(clientv3.OpPut(k, data)).
			Commit()
		if err != nil {
			return fmt.Errorf("etcd txn update %q: %w", k, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("update state %s: %w", satelliteID, ErrCASExhausted)
}

func encodeState(state models.SatelliteState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal satellite state: %w", err)
	}
	return string(data), nil
}

func decodeState(data []byte) (models.SatelliteState, error) {
	var state models.SatelliteState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.SatelliteState{}, err
	}
	if state.SatelliteID == "" {
		return models.SatelliteState{}, errors.New("satellite state missing id")
	}
	return state, nil
}
