package config

import (
	"testing"
	"time"
)

func TestLoadRequiresIngestKey(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing ingest key to fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "secret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MONGO_URL", "")
	t.Setenv("STORE_BACKEND", "")

	config, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if config.Port != "8080" {
		t.Fatalf("expected port 8080, got %q", config.Port)
	}
	if config.StoreBackend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", config.StoreBackend)
	}
	if config.SessionResumeTTL != 2*time.Minute {
		t.Fatalf("expected 2m resume ttl, got %v", config.SessionResumeTTL)
	}
	if config.MQTTTopic != "devices/+/readings" {
		t.Fatalf("expected default mqtt topic, got %q", config.MQTTTopic)
	}
}

func TestLoadDerivesPostgresBackend(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "secret")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/farm")

	config, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.StoreBackend != BackendPostgres {
		t.Fatalf("expected postgres backend, got %q", config.StoreBackend)
	}
}

func TestLoadRejectsMongoWithoutURL(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "secret")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("MONGO_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected mongo backend without url to fail")
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "secret")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SESSION_RESUME_TTL", "45")
	t.Setenv("DEVICE_CACHE_TTL", "1m30s")

	config, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.SessionResumeTTL != 45*time.Second {
		t.Fatalf("expected 45s, got %v", config.SessionResumeTTL)
	}
	if config.DeviceCacheTTL != 90*time.Second {
		t.Fatalf("expected 90s, got %v", config.DeviceCacheTTL)
	}
}
