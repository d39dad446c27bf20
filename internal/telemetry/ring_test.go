package telemetry

import "testing"

func TestRingDeduplicatesByIdentity(t *testing.T) {
	ring := NewRing(10)

	reading := Reading{ID: "r-1", DeviceID: "greenhouse-1", Temperature: 21.5, ReadingTime: 1000}
	if !ring.Insert(reading) {
		t.Fatalf("expected first insert to succeed")
	}

	duplicate := reading
	duplicate.Temperature = 30
	if ring.Insert(duplicate) {
		t.Fatalf("expected duplicate identity to be ignored")
	}

	if ring.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", ring.Len())
	}
}

func TestRingDeduplicatesByReadingTimeWithoutID(t *testing.T) {
	ring := NewRing(10)

	ring.Insert(Reading{DeviceID: "greenhouse-1", ReadingTime: 1000})
	ring.Insert(Reading{DeviceID: "greenhouse-1", ReadingTime: 1000, Humidity: 55})
	ring.Insert(Reading{DeviceID: "greenhouse-1", ReadingTime: 2000})

	if ring.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", ring.Len())
	}
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	const capacity = 5
	const extra = 3

	ring := NewRing(capacity)
	for index := 0; index < capacity+extra; index++ {
		ring.Insert(Reading{DeviceID: "field-7", ReadingTime: int64(index+1) * 1000})
	}

	if ring.Len() != capacity {
		t.Fatalf("expected %d entries, got %d", capacity, ring.Len())
	}

	snapshot := ring.Snapshot()
	if snapshot[0].ReadingTime != int64(extra+1)*1000 {
		t.Fatalf("expected oldest retained readingTime %d, got %d", (extra+1)*1000, snapshot[0].ReadingTime)
	}

	latest, ok := ring.Latest()
	if !ok || latest.ReadingTime != int64(capacity+extra)*1000 {
		t.Fatalf("expected latest readingTime %d, got %d", (capacity+extra)*1000, latest.ReadingTime)
	}
}

func TestRingKeepsTimeOrderForLateArrivals(t *testing.T) {
	ring := NewRing(10)

	ring.Insert(Reading{DeviceID: "d", ReadingTime: 3000})
	ring.Insert(Reading{DeviceID: "d", ReadingTime: 1000})
	ring.Insert(Reading{DeviceID: "d", ReadingTime: 2000})

	snapshot := ring.Snapshot()
	for index := 1; index < len(snapshot); index++ {
		if snapshot[index-1].ReadingTime > snapshot[index].ReadingTime {
			t.Fatalf("expected oldest-first order, got %+v", snapshot)
		}
	}
}

func TestRingRejectsReadingOlderThanFullWindow(t *testing.T) {
	ring := NewRing(2)

	ring.Insert(Reading{DeviceID: "d", ReadingTime: 2000})
	ring.Insert(Reading{DeviceID: "d", ReadingTime: 3000})

	if ring.Insert(Reading{DeviceID: "d", ReadingTime: 1000}) {
		t.Fatalf("expected stale reading to be rejected by a full ring")
	}
	if ring.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", ring.Len())
	}
}

func TestRingEvictedIdentityCanReturn(t *testing.T) {
	ring := NewRing(1)

	first := Reading{DeviceID: "d", ReadingTime: 1000}
	ring.Insert(first)
	ring.Insert(Reading{DeviceID: "d", ReadingTime: 2000})

	if ring.Contains(first) {
		t.Fatalf("expected evicted reading to be forgotten")
	}
}
