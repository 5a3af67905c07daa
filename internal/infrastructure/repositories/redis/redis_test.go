package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"roomlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_Decode(t *testing.T) {
	bus := NewEventBus(nil, "self", 8, nil)
	event := &domain.RoomEvent{ID: "e1", Type: domain.EventRoomSwept, Room: "lobby"}

	own, err := json.Marshal(envelope{InstanceID: "self", Event: event})
	require.NoError(t, err)
	other, err := json.Marshal(envelope{InstanceID: "peer", Event: event})
	require.NoError(t, err)

	got, fromSelf, err := bus.decode(string(own))
	require.NoError(t, err)
	assert.True(t, fromSelf)
	assert.Equal(t, "lobby", got.Room)

	got, fromSelf, err = bus.decode(string(other))
	require.NoError(t, err)
	assert.False(t, fromSelf)
	assert.Equal(t, domain.EventRoomSwept, got.Type)

	_, _, err = bus.decode(`{"instance_id":"peer"}`)
	assert.Error(t, err)
	_, _, err = bus.decode("not json")
	assert.Error(t, err)
}

func TestEventBus_RecentKeepsLocalEventsWhenPublishFails(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	bus := NewEventBus(client, "self", 2, nil)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		assert.Error(t, bus.Publish(ctx, &domain.RoomEvent{ID: id, Type: domain.EventRoomCreated}))
	}
	recent := bus.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "e2", recent[0].ID)
	assert.Equal(t, "e3", recent[1].ID)
}

func TestDecodeStats(t *testing.T) {
	data, err := json.Marshal(&domain.PerformanceStats{PoolSize: 4, ShuttingDown: true})
	require.NoError(t, err)

	stats, err := decodeStats(data)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.PoolSize)
	assert.True(t, stats.ShuttingDown)

	_, err = decodeStats([]byte("{"))
	assert.Error(t, err)
}

func TestOptions_ClientOptions(t *testing.T) {
	opts := Options{
		Address:      "redis:6379",
		DB:           3,
		PoolSize:     4,
		MinIdleConns: 8,
		ReadTimeout:  time.Second,
		InstanceID:   "7f1c",
	}.clientOptions()

	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 4, opts.MinIdleConns, "idle floor is capped at the pool size")
	assert.Equal(t, time.Second, opts.ReadTimeout)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	assert.Equal(t, "roomlink-7f1c", opts.ClientName)

	assert.Empty(t, Options{Address: "redis:6379"}.clientOptions().ClientName)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), Options{
		Address:     "127.0.0.1:1",
		PoolSize:    1,
		DialTimeout: 200 * time.Millisecond,
	}, nil)
	assert.ErrorContains(t, err, "127.0.0.1:1")
}

// The remaining tests need a live server: ROOMLINK_TEST_REDIS=localhost:6379.
func testClientOrSkip(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("ROOMLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("ROOMLINK_TEST_REDIS not set")
	}
	return addr
}

func TestRedisStatsRepository_Live(t *testing.T) {
	addr := testClientOrSkip(t)
	client, err := NewRedisClient(context.Background(), Options{Address: addr, DB: 15, PoolSize: 2}, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	ctx := context.Background()
	require.NoError(t, client.Del(ctx, statsLatestKey, statsHistoryKey).Err())

	repo := NewRedisStatsRepository(client, time.Minute)

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, repo.Save(ctx, &domain.PerformanceStats{PoolSize: 1}))
	require.NoError(t, repo.Save(ctx, &domain.PerformanceStats{PoolSize: 2}))

	latest, err = repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.PoolSize)

	history, err := repo.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].PoolSize)
	assert.Equal(t, 1, history[1].PoolSize)
}

func TestEventBus_Live(t *testing.T) {
	addr := testClientOrSkip(t)
	client, err := NewRedisClient(context.Background(), Options{Address: addr, DB: 15, PoolSize: 2}, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	publisher := NewEventBus(client, "a", 8, nil)
	subscriber := NewEventBus(client, "b", 8, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *domain.RoomEvent, 1)
	go subscriber.Subscribe(ctx, func(e *domain.RoomEvent) { received <- e })

	// give the subscription time to register before publishing
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, EventChannel).Result()
		return err == nil && n[EventChannel] > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, &domain.RoomEvent{ID: "e1", Type: domain.EventRoomCreated, Room: "lobby"}))

	select {
	case e := <-received:
		assert.Equal(t, "e1", e.ID)
	case <-ctx.Done():
		t.Fatal("event not received")
	}
	require.Len(t, publisher.Recent(), 1)
	require.Len(t, subscriber.Recent(), 1)
	assert.Equal(t, "lobby", subscriber.Recent()[0].Room)
}
