package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"farmstation/backend/internal/telemetry"
)

const (
	readingsCollectionName = "readings"
	devicesCollectionName  = "devices"
)

type MongoConfig struct {
	URL              string
	Database         string
	AppName          string
	MaxPoolSize      uint64
	OperationTimeout time.Duration
}

type MongoStore struct {
	client           *mongo.Client
	readings         *mongo.Collection
	devices          *mongo.Collection
	operationTimeout time.Duration
}

type readingDocument struct {
	DeviceID    string    `bson:"device_id"`
	ReadingKey  string    `bson:"reading_key"`
	ReadingID   string    `bson:"reading_id,omitempty"`
	ReadingTime int64     `bson:"reading_time"`
	Temperature float64   `bson:"temperature"`
	Humidity    float64   `bson:"humidity"`
	CreatedAt   time.Time `bson:"created_at"`
}

func newReadingDocument(reading telemetry.Reading, now time.Time) readingDocument {
	return readingDocument{
		DeviceID:    reading.DeviceID,
		ReadingKey:  reading.IdentityKey(),
		ReadingID:   reading.ID,
		ReadingTime: reading.ReadingTime,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		CreatedAt:   now,
	}
}

func (document readingDocument) reading() telemetry.Reading {
	return telemetry.Reading{
		ID:          document.ReadingID,
		DeviceID:    document.DeviceID,
		Temperature: document.Temperature,
		Humidity:    document.Humidity,
		ReadingTime: document.ReadingTime,
	}
}

func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	if config.Database == "" {
		config.Database = "farmstation"
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 5 * time.Second
	}

	clientOptions := options.Client().ApplyURI(config.URL)
	if config.AppName != "" {
		clientOptions.SetAppName(config.AppName)
	}
	if config.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				slog.Debug("mongo connection created", "address", evt.Address)
			case event.ConnectionClosed:
				slog.Debug("mongo connection closed", "address", evt.Address, "reason", evt.Reason)
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	database := client.Database(config.Database)
	store := &MongoStore{
		client:           client,
		readings:         database.Collection(readingsCollectionName),
		devices:          database.Collection(devicesCollectionName),
		operationTimeout: config.OperationTimeout,
	}

	if err := store.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	_, err = store.readings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "reading_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("readings_identity_unique"),
		},
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "reading_time", Value: -1}},
			Options: options.Index().SetName("readings_device_time"),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create mongo indexes: %w", err)
	}

	return store, nil
}

func (store *MongoStore) Append(ctx context.Context, reading telemetry.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, store.operationTimeout)
	defer cancel()

	now := time.Now().UTC()
	_, err := store.devices.UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: reading.DeviceID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "last_seen_at", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "first_seen_at", Value: now}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	_, err = store.readings.InsertOne(ctx, newReadingDocument(reading, now))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (store *MongoStore) Latest(ctx context.Context, deviceID string) (telemetry.Reading, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, store.operationTimeout)
	defer cancel()

	var document readingDocument
	err := store.readings.FindOne(
		ctx,
		bson.D{{Key: "device_id", Value: deviceID}},
		options.FindOne().SetSort(bson.D{{Key: "reading_time", Value: -1}}),
	).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return telemetry.Reading{}, false, nil
	}
	if err != nil {
		return telemetry.Reading{}, false, fmt.Errorf("find latest reading: %w", err)
	}

	return document.reading(), true, nil
}

func (store *MongoStore) History(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	limit = clampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, store.operationTimeout)
	defer cancel()

	cursor, err := store.readings.Find(
		ctx,
		bson.D{{Key: "device_id", Value: deviceID}},
		options.Find().
			SetSort(bson.D{{Key: "reading_time", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("find readings: %w", err)
	}
	defer cursor.Close(ctx)

	var documents []readingDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}

	readings := make([]telemetry.Reading, 0, len(documents))
	for _, document := range documents {
		readings = append(readings, document.reading())
	}

	reverseReadings(readings)
	return readings, nil
}

func (store *MongoStore) KnownDevice(ctx context.Context, deviceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, store.operationTimeout)
	defer cancel()

	count, err := store.devices.CountDocuments(
		ctx,
		bson.D{{Key: "_id", Value: deviceID}},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("count devices: %w", err)
	}
	return count > 0, nil
}

func (store *MongoStore) DeviceCount(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, store.operationTimeout)
	defer cancel()

	count, err := store.devices.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return int(count), nil
}

func (store *MongoStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.client.Ping(pingCtx, readpref.Primary())
}

func (store *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), store.operationTimeout)
	defer cancel()
	if err := store.client.Disconnect(ctx); err != nil {
		slog.Warn("mongo disconnect failed", "err", err)
	}
}

var _ Store = (*MongoStore)(nil)
