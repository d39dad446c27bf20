package store

import (
	"context"
	"sync"

	"farmstation/backend/internal/telemetry"
)

// MemoryStore keeps the most recent readings of each device in a bounded ring.
type MemoryStore struct {
	mu                sync.RWMutex
	maxPerDevice      int
	readingsPerDevice map[string]*telemetry.Ring
}

func NewMemoryStore(maxPerDevice int) *MemoryStore {
	if maxPerDevice <= 0 {
		maxPerDevice = telemetry.DefaultRingCapacity
	}

	return &MemoryStore{
		maxPerDevice:      maxPerDevice,
		readingsPerDevice: make(map[string]*telemetry.Ring),
	}
}

func (store *MemoryStore) Append(_ context.Context, reading telemetry.Reading) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	ring, ok := store.readingsPerDevice[reading.DeviceID]
	if !ok {
		ring = telemetry.NewRing(store.maxPerDevice)
		store.readingsPerDevice[reading.DeviceID] = ring
	}
	ring.Insert(reading)
	return nil
}

func (store *MemoryStore) Latest(_ context.Context, deviceID string) (telemetry.Reading, bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	ring, ok := store.readingsPerDevice[deviceID]
	if !ok {
		return telemetry.Reading{}, false, nil
	}
	reading, ok := ring.Latest()
	return reading, ok, nil
}

func (store *MemoryStore) History(_ context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	limit = clampLimit(limit)

	store.mu.RLock()
	defer store.mu.RUnlock()

	ring, ok := store.readingsPerDevice[deviceID]
	if !ok {
		return []telemetry.Reading{}, nil
	}

	readings := ring.Snapshot()
	if limit < len(readings) {
		readings = readings[len(readings)-limit:]
	}
	return readings, nil
}

func (store *MemoryStore) KnownDevice(_ context.Context, deviceID string) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	_, ok := store.readingsPerDevice[deviceID]
	return ok, nil
}

func (store *MemoryStore) DeviceCount(_ context.Context) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.readingsPerDevice), nil
}

func (store *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (store *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
