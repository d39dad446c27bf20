package telemetry

import (
	"slices"
	"sort"
)

const DefaultRingCapacity = 500

// Ring is the bounded per-device history. Readings are kept oldest-first by
// ReadingTime (arrival order breaks ties), at most one per identity, and
// never more than the capacity. It is not safe for concurrent use.
type Ring struct {
	capacity int
	readings []Reading
	seen     map[Identity]struct{}
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}

	return &Ring{
		capacity: capacity,
		readings: make([]Reading, 0, min(capacity, 64)),
		seen:     make(map[Identity]struct{}),
	}
}

// Insert reports whether the reading was added. Duplicates and readings older
// than everything retained by a full ring are ignored.
func (ring *Ring) Insert(reading Reading) bool {
	identity := reading.Identity()
	if _, exists := ring.seen[identity]; exists {
		return false
	}

	if len(ring.readings) >= ring.capacity && reading.ReadingTime < ring.readings[0].ReadingTime {
		return false
	}

	position := sort.Search(len(ring.readings), func(index int) bool {
		return ring.readings[index].ReadingTime > reading.ReadingTime
	})
	ring.readings = slices.Insert(ring.readings, position, reading)
	ring.seen[identity] = struct{}{}

	for len(ring.readings) > ring.capacity {
		delete(ring.seen, ring.readings[0].Identity())
		ring.readings = slices.Delete(ring.readings, 0, 1)
	}

	return true
}

func (ring *Ring) Contains(reading Reading) bool {
	_, exists := ring.seen[reading.Identity()]
	return exists
}

func (ring *Ring) Len() int {
	return len(ring.readings)
}

func (ring *Ring) Capacity() int {
	return ring.capacity
}

// Latest returns the reading with the greatest ReadingTime.
func (ring *Ring) Latest() (Reading, bool) {
	if len(ring.readings) == 0 {
		return Reading{}, false
	}
	return ring.readings[len(ring.readings)-1], true
}

// Snapshot returns an oldest-first copy.
func (ring *Ring) Snapshot() []Reading {
	output := make([]Reading, len(ring.readings))
	copy(output, ring.readings)
	return output
}
