package memory

import (
	"context"
	"sync"

	"roomlink/internal/core/domain"
)

// EventBus keeps the most recent events in a ring for single-instance
// deployments.
type EventBus struct {
	mu     sync.RWMutex
	events []domain.RoomEvent
	next   int
	full   bool
}

func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBus{events: make([]domain.RoomEvent, capacity)}
}

func (b *EventBus) Publish(ctx context.Context, event *domain.RoomEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = *event
	b.next = (b.next + 1) % len(b.events)
	if b.next == 0 {
		b.full = true
	}
	return nil
}

// Recent returns buffered events, oldest first.
func (b *EventBus) Recent() []domain.RoomEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]domain.RoomEvent, b.next)
		copy(out, b.events[:b.next])
		return out
	}
	out := make([]domain.RoomEvent, 0, len(b.events))
	out = append(out, b.events[b.next:]...)
	return append(out, b.events[:b.next]...)
}
