package store

import (
	"context"
	"testing"

	"farmstation/backend/internal/telemetry"
)

func TestMemoryStoreLatestAndHistory(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for index := 1; index <= 5; index++ {
		if err := store.Append(ctx, telemetry.Reading{DeviceID: "barn-2", ReadingTime: int64(index) * 1000}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	latest, ok, err := store.Latest(ctx, "barn-2")
	if err != nil || !ok {
		t.Fatalf("expected latest reading, got ok=%v err=%v", ok, err)
	}
	if latest.ReadingTime != 5000 {
		t.Fatalf("expected latest readingTime 5000, got %d", latest.ReadingTime)
	}

	history, err := store.History(ctx, "barn-2", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ReadingTime != 4000 || history[1].ReadingTime != 5000 {
		t.Fatalf("expected the two newest readings oldest-first, got %+v", history)
	}

	all, _ := store.History(ctx, "barn-2", 100)
	if len(all) != 3 {
		t.Fatalf("expected capacity-bounded history of 3, got %d", len(all))
	}
}

func TestMemoryStoreUnknownDevice(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	if _, ok, _ := store.Latest(ctx, "nobody"); ok {
		t.Fatalf("expected no latest reading")
	}
	known, _ := store.KnownDevice(ctx, "nobody")
	if known {
		t.Fatalf("expected unknown device")
	}

	_ = store.Append(ctx, telemetry.Reading{DeviceID: "somebody", ReadingTime: 1})
	known, _ = store.KnownDevice(ctx, "somebody")
	count, _ := store.DeviceCount(ctx)
	if !known || count != 1 {
		t.Fatalf("expected one known device, got known=%v count=%d", known, count)
	}
}

func TestMemoryStoreIgnoresDuplicateIdentity(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	reading := telemetry.Reading{ID: "7", DeviceID: "d", ReadingTime: 1}
	_ = store.Append(ctx, reading)
	_ = store.Append(ctx, reading)

	history, _ := store.History(ctx, "d", 10)
	if len(history) != 1 {
		t.Fatalf("expected one stored reading, got %d", len(history))
	}
}
