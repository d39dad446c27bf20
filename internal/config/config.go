// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	Port              string
	IngestAPIKey      string
	CORSAllowOrigin   string
	TrustProxyHeaders bool
	LogDebug          bool

	StoreBackend      string
	DatabaseURL       string
	PGMaxConns        int
	MongoURL          string
	MongoDatabase     string
	MemoryMaxReadings int

	SessionQueueSize    int
	SessionResumeTTL    time.Duration
	DeviceCacheTTL      time.Duration
	AllowUnknownDevices bool

	IngestRatePerSecond float64
	IngestRateBurst     int

	MQTTBrokerURL string
	MQTTTopic     string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string

	SerialPort     string
	SerialBaud     int
	SerialDeviceID string
}

func Load() (Config, error) {
	config := Config{
		Port:              envOrDefault("PORT", "8080"),
		IngestAPIKey:      strings.TrimSpace(os.Getenv("INGEST_API_KEY")),
		CORSAllowOrigin:   envOrDefault("CORS_ALLOW_ORIGIN", "*"),
		TrustProxyHeaders: boolOrDefault("TRUST_PROXY_HEADERS", false),
		LogDebug:          boolOrDefault("LOG_DEBUG", false),

		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PGMaxConns:        intOrDefault("PG_MAX_CONNS", 10),
		MongoURL:          strings.TrimSpace(os.Getenv("MONGO_URL")),
		MongoDatabase:     envOrDefault("MONGO_DATABASE", "farmstation"),
		MemoryMaxReadings: intOrDefault("MEMORY_MAX_READINGS", 500),

		SessionQueueSize:    intOrDefault("SESSION_QUEUE_SIZE", 64),
		SessionResumeTTL:    durationOrDefault("SESSION_RESUME_TTL", 2*time.Minute),
		DeviceCacheTTL:      durationOrDefault("DEVICE_CACHE_TTL", 30*time.Second),
		AllowUnknownDevices: boolOrDefault("ALLOW_UNKNOWN_DEVICES", false),

		IngestRatePerSecond: floatOrDefault("INGEST_RATE_PER_SECOND", 5),
		IngestRateBurst:     intOrDefault("INGEST_RATE_BURST", 10),

		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTTopic:     envOrDefault("MQTT_TOPIC", "devices/+/readings"),
		MQTTClientID:  strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")),
		MQTTUsername:  strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),

		SerialPort:     strings.TrimSpace(os.Getenv("SERIAL_PORT")),
		SerialBaud:     intOrDefault("SERIAL_BAUD", 115200),
		SerialDeviceID: strings.TrimSpace(os.Getenv("SERIAL_DEVICE_ID")),
	}

	if config.IngestAPIKey == "" {
		return Config{}, errors.New("INGEST_API_KEY is required")
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	if backend == "" {
		switch {
		case config.DatabaseURL != "":
			backend = BackendPostgres
		case config.MongoURL != "":
			backend = BackendMongo
		default:
			backend = BackendMemory
		}
	}

	switch backend {
	case BackendMemory:
	case BackendPostgres:
		if config.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendMongo:
		if config.MongoURL == "" {
			return Config{}, errors.New("MONGO_URL is required for the mongo backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
	config.StoreBackend = backend

	return config, nil
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsedValue
}

func floatOrDefault(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsedValue
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsedValue
}

// durationOrDefault accepts Go durations ("90s") or plain seconds ("90").
func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	if parsedValue, err := time.ParseDuration(value); err == nil {
		return parsedValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
