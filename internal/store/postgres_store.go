package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmstation/backend/internal/telemetry"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (store *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
  device_id TEXT PRIMARY KEY,
  first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sensor_readings (
  id BIGSERIAL PRIMARY KEY,
  device_id TEXT NOT NULL REFERENCES devices(device_id),
  reading_key TEXT NOT NULL,
  reading_id TEXT,
  reading_time BIGINT NOT NULL,
  temperature DOUBLE PRECISION NOT NULL,
  humidity DOUBLE PRECISION NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (device_id, reading_key)
);

CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_time ON sensor_readings(device_id, reading_time DESC);
`

	_, err := store.pool.Exec(ctx, schema)
	return err
}

func (store *PostgresStore) Append(ctx context.Context, reading telemetry.Reading) error {
	const upsertDevice = `
INSERT INTO devices (device_id) VALUES ($1)
ON CONFLICT (device_id) DO UPDATE SET last_seen_at = NOW()
`
	const insertReading = `
INSERT INTO sensor_readings (
  device_id, reading_key, reading_id, reading_time, temperature, humidity
) VALUES ($1,$2,NULLIF($3, ''),$4,$5,$6)
ON CONFLICT (device_id, reading_key) DO NOTHING
`

	return pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertDevice, reading.DeviceID); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}

		_, err := tx.Exec(
			ctx,
			insertReading,
			reading.DeviceID,
			reading.IdentityKey(),
			reading.ID,
			reading.ReadingTime,
			reading.Temperature,
			reading.Humidity,
		)
		if err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
		return nil
	})
}

func (store *PostgresStore) Latest(ctx context.Context, deviceID string) (telemetry.Reading, bool, error) {
	const query = `
SELECT COALESCE(reading_id, ''), device_id, reading_time, temperature, humidity
FROM sensor_readings
WHERE device_id = $1
ORDER BY reading_time DESC, id DESC
LIMIT 1
`

	var reading telemetry.Reading
	err := store.pool.QueryRow(ctx, query, deviceID).Scan(
		&reading.ID,
		&reading.DeviceID,
		&reading.ReadingTime,
		&reading.Temperature,
		&reading.Humidity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.Reading{}, false, nil
	}
	if err != nil {
		return telemetry.Reading{}, false, err
	}

	return reading, true, nil
}

func (store *PostgresStore) History(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	limit = clampLimit(limit)

	const query = `
SELECT COALESCE(reading_id, ''), device_id, reading_time, temperature, humidity
FROM sensor_readings
WHERE device_id = $1
ORDER BY reading_time DESC, id DESC
LIMIT $2
`

	rows, err := store.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := make([]telemetry.Reading, 0, limit)
	for rows.Next() {
		var reading telemetry.Reading
		if err := rows.Scan(
			&reading.ID,
			&reading.DeviceID,
			&reading.ReadingTime,
			&reading.Temperature,
			&reading.Humidity,
		); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseReadings(readings)
	return readings, nil
}

func (store *PostgresStore) KnownDevice(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := store.pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE device_id = $1)`,
		deviceID,
	).Scan(&exists)
	return exists, err
}

func (store *PostgresStore) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count)
	return count, err
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.pool.Ping(pingCtx)
}

func (store *PostgresStore) Close() {
	store.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
