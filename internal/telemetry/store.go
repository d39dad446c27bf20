package telemetry

import "context"

// ReadingStore is the durable side of the telemetry flow. History returns
// readings oldest-first.
type ReadingStore interface {
	Append(ctx context.Context, reading Reading) error
	Latest(ctx context.Context, deviceID string) (Reading, bool, error)
	History(ctx context.Context, deviceID string, limit int) ([]Reading, error)
}
