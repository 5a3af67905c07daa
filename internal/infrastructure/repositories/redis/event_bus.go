package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"roomlink/internal/core/domain"
	"roomlink/internal/infrastructure/repositories/memory"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EventChannel = keyPrefix + "events"

// envelope tags each event with the publishing instance so subscribers can
// skip their own.
type envelope struct {
	InstanceID string            `json:"instance_id"`
	Event      *domain.RoomEvent `json:"event"`
}

// EventBus publishes room lifecycle events over Redis pub/sub. Events
// published here and events received from peers are also kept in a local
// ring for Recent.
type EventBus struct {
	client     *redis.Client
	instanceID string
	recent     *memory.EventBus
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, capacity int, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		recent:     memory.NewEventBus(capacity),
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *domain.RoomEvent) error {
	_ = eb.recent.Publish(ctx, event)

	data, err := json.Marshal(envelope{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, EventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (eb *EventBus) Recent() []domain.RoomEvent {
	return eb.recent.Recent()
}

// Subscribe delivers events from other instances to handler until ctx is
// cancelled. handler may be nil when only Recent is of interest.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*domain.RoomEvent)) error {
	pubsub := eb.client.Subscribe(ctx, EventChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, fromSelf, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("dropping malformed event", "error", err)
				continue
			}
			if fromSelf {
				continue
			}
			_ = eb.recent.Publish(ctx, event)
			if handler != nil {
				handler(event)
			}
		}
	}
}

func (eb *EventBus) decode(payload string) (*domain.RoomEvent, bool, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, false, err
	}
	if env.Event == nil {
		return nil, false, fmt.Errorf("event missing")
	}
	return env.Event, env.InstanceID == eb.instanceID, nil
}
