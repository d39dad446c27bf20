// Package store persists readings and answers the latest/history queries the
// polling fallback depends on.
package store

import (
	"context"

	"farmstation/backend/internal/telemetry"
)

type Store interface {
	telemetry.ReadingStore
	KnownDevice(ctx context.Context, deviceID string) (bool, error)
	DeviceCount(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close()
}

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 10000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func reverseReadings(readings []telemetry.Reading) {
	for left, right := 0, len(readings)-1; left < right; left, right = left+1, right-1 {
		readings[left], readings[right] = readings[right], readings[left]
	}
}
