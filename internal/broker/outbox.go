package broker

import (
	"sync"

	"farmstation/backend/internal/telemetry"
)

// outbox is a bounded FIFO that never blocks the producer. When full it drops
// the oldest queued sensor update (or the oldest message when none is a
// sensor update) to make room.
type outbox struct {
	mu       sync.Mutex
	capacity int
	items    []telemetry.Message
	dropped  uint64
	notify   chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}

	return &outbox{
		capacity: capacity,
		items:    make([]telemetry.Message, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// push returns the running drop count when the push evicted a message, zero
// otherwise.
func (box *outbox) push(message telemetry.Message) uint64 {
	box.mu.Lock()
	var dropped uint64
	if len(box.items) >= box.capacity {
		victim := 0
		for index, item := range box.items {
			if item.Event == telemetry.EventSensorUpdate {
				victim = index
				break
			}
		}
		box.items = append(box.items[:victim], box.items[victim+1:]...)
		box.dropped++
		dropped = box.dropped
	}
	box.items = append(box.items, message)
	box.mu.Unlock()

	select {
	case box.notify <- struct{}{}:
	default:
	}

	return dropped
}

func (box *outbox) drain() []telemetry.Message {
	box.mu.Lock()
	defer box.mu.Unlock()

	if len(box.items) == 0 {
		return nil
	}

	output := box.items
	box.items = make([]telemetry.Message, 0, box.capacity)
	return output
}

func (box *outbox) len() int {
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.items)
}
