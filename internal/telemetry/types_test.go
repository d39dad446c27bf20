package telemetry

import (
	"errors"
	"testing"
)

func TestDecodeReadingAcceptsStringAndNumberPayloads(t *testing.T) {
	reading, err := DecodeReading([]byte(`{
		"id": 42,
		"deviceId": "greenhouse-1",
		"temperature": "22.4",
		"humidity": 61.5,
		"readingTime": "1738886400000"
	}`))
	if err != nil {
		t.Fatalf("decode reading: %v", err)
	}

	if reading.ID != "42" {
		t.Fatalf("expected id 42, got %q", reading.ID)
	}
	if reading.Temperature != 22.4 {
		t.Fatalf("expected temperature 22.4, got %v", reading.Temperature)
	}
	if reading.ReadingTime != 1738886400000 {
		t.Fatalf("expected readingTime 1738886400000, got %d", reading.ReadingTime)
	}
}

func TestDecodeReadingRejectsUnknownField(t *testing.T) {
	_, err := DecodeReading([]byte(`{"deviceId":"d","temperature":1,"humidity":2,"pm10":3}`))
	if !errors.Is(err, ErrMalformedReading) {
		t.Fatalf("expected ErrMalformedReading, got %v", err)
	}
}

func TestDecodeReadingRejectsMissingHumidity(t *testing.T) {
	_, err := DecodeReading([]byte(`{"deviceId":"d","temperature":1}`))
	if !errors.Is(err, ErrMalformedReading) {
		t.Fatalf("expected ErrMalformedReading, got %v", err)
	}
}

func TestDecodeReadingsBatchReportsIndex(t *testing.T) {
	_, err := DecodeReadingsBatch([]byte(`[
		{"deviceId":"d","temperature":1,"humidity":2},
		{"deviceId":"d","temperature":"warm","humidity":2}
	]`), 10)
	if err == nil {
		t.Fatalf("expected batch error")
	}
	if !errors.Is(err, ErrMalformedReading) {
		t.Fatalf("expected ErrMalformedReading, got %v", err)
	}
}

func TestReadingIdentityPrefersID(t *testing.T) {
	withID := Reading{ID: "abc", DeviceID: "d", ReadingTime: 5}
	withoutID := Reading{DeviceID: "d", ReadingTime: 5}

	if withID.Identity() == withoutID.Identity() {
		t.Fatalf("expected id-based identity to differ from time-based identity")
	}
	if withoutID.IdentityKey() != "ts:5" {
		t.Fatalf("expected ts:5, got %q", withoutID.IdentityKey())
	}
}

func TestValidateRequiresDeviceID(t *testing.T) {
	err := Reading{Temperature: 20, Humidity: 40, ReadingTime: 1}.Validate()
	if !errors.Is(err, ErrMalformedReading) {
		t.Fatalf("expected ErrMalformedReading, got %v", err)
	}
}
