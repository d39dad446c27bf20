// Package gateway accepts readings from devices, persists them and hands
// them to the broker.
package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"farmstation/backend/internal/telemetry"
)

type Publisher interface {
	Publish(reading telemetry.Reading) int
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(gateway *Gateway) {
		gateway.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(gateway *Gateway) {
		gateway.logger = logger
	}
}

// deviceLockStripes bounds the per-device locks; devices sharing a stripe
// only serialise with each other.
const deviceLockStripes = 64

type Gateway struct {
	store     telemetry.ReadingStore
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
	locks     [deviceLockStripes]sync.Mutex
}

func New(store telemetry.ReadingStore, publisher Publisher, options ...Option) *Gateway {
	gateway := &Gateway{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(gateway)
	}
	return gateway
}

// Ingest persists the reading and, only once that succeeded, publishes it.
// The returned reading carries the server timestamp when the device sent none.
func (gateway *Gateway) Ingest(ctx context.Context, reading telemetry.Reading) (telemetry.Reading, error) {
	if reading.ReadingTime == 0 {
		reading.ReadingTime = gateway.now().UnixMilli()
	}

	if err := reading.Validate(); err != nil {
		gateway.logger.Warn("reading rejected", "device", reading.DeviceID, "err", err)
		return telemetry.Reading{}, err
	}

	// Persist and publish under one device lock so subscribers see readings
	// in the order they were stored.
	lock := gateway.deviceLock(reading.DeviceID)
	lock.Lock()
	if err := gateway.store.Append(ctx, reading); err != nil {
		lock.Unlock()
		return telemetry.Reading{}, fmt.Errorf("append reading: %w", err)
	}
	delivered := gateway.publisher.Publish(reading)
	lock.Unlock()

	gateway.logger.Debug(
		"reading ingested",
		"device", reading.DeviceID,
		"reading_time", reading.ReadingTime,
		"subscribers", delivered,
	)
	return reading, nil
}

// IngestBatch stops at the first failure and reports how many readings were
// accepted before it.
func (gateway *Gateway) IngestBatch(ctx context.Context, readings []telemetry.Reading) (int, error) {
	accepted := 0
	for index, reading := range readings {
		if _, err := gateway.Ingest(ctx, reading); err != nil {
			return accepted, fmt.Errorf("reading at index %d: %w", index, err)
		}
		accepted++
	}
	return accepted, nil
}

// IngestRaw decodes one JSON reading. fallbackDeviceID fills in deviceId when
// the transport already identifies the device (MQTT topic, serial port).
func (gateway *Gateway) IngestRaw(ctx context.Context, payload []byte, fallbackDeviceID string) (telemetry.Reading, error) {
	reading, err := telemetry.DecodeReading(payload)
	if err != nil {
		gateway.logger.Warn("reading rejected", "device", fallbackDeviceID, "err", err)
		return telemetry.Reading{}, err
	}
	if reading.DeviceID == "" {
		reading.DeviceID = fallbackDeviceID
	}
	return gateway.Ingest(ctx, reading)
}

func (gateway *Gateway) deviceLock(deviceID string) *sync.Mutex {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(deviceID))
	return &gateway.locks[hash.Sum32()%deviceLockStripes]
}
