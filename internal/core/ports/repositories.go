package ports

import (
	"context"

	"roomlink/internal/core/domain"
)

// StatsStore keeps the latest performance snapshot where ops tooling can read
// it without talking to this process.
type StatsStore interface {
	Save(ctx context.Context, stats *domain.PerformanceStats) error
	Latest(ctx context.Context) (*domain.PerformanceStats, error)
}

// StatsReader is the read side served on /stats/latest and /stats/history.
type StatsReader interface {
	Latest(ctx context.Context) (*domain.PerformanceStats, error)
	// History returns up to limit snapshots, newest first. A non-positive
	// limit means everything retained.
	History(ctx context.Context, limit int) ([]*domain.PerformanceStats, error)
}

type StatsRepository interface {
	StatsStore
	StatsReader
}

type RoomEventPublisher interface {
	Publish(ctx context.Context, event *domain.RoomEvent) error
}

// RoomEventReader exposes the events this instance has published or
// received, oldest first.
type RoomEventReader interface {
	Recent() []domain.RoomEvent
}

type RoomEventBus interface {
	RoomEventPublisher
	RoomEventReader
}

// RoomEventSubscriber is implemented by buses shared between instances.
type RoomEventSubscriber interface {
	Subscribe(ctx context.Context, handler func(*domain.RoomEvent)) error
}
