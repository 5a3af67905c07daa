package repositories

import (
	"context"
	"testing"
	"time"

	"roomlink/internal/core/ports"
	"roomlink/internal/infrastructure/repositories/memory"
	"roomlink/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryWhenDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.NotEmpty(t, f.InstanceID())
	assert.NoError(t, f.HealthCheck(context.Background()))

	bus := f.CreateEventBus()
	_, ok := bus.(*memory.EventBus)
	assert.True(t, ok)
	_, ok = bus.(ports.RoomEventSubscriber)
	assert.False(t, ok, "memory bus has no peers to subscribe to")
	_, ok = f.CreateStatsRepository().(*memory.MemoryStatsRepository)
	assert.True(t, ok)
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f, err := NewRepositoryFactory(cfg, nil)
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	_, ok := f.CreateStatsRepository().(*memory.MemoryStatsRepository)
	assert.True(t, ok)
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRedisOptions_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Address = "cache:6379"
	cfg.Redis.DB = 2
	cfg.Redis.PoolSize = 6
	cfg.Redis.ReadTimeout = 750 * time.Millisecond

	opts := redisOptions(cfg, "instance-1")
	assert.Equal(t, "cache:6379", opts.Address)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 6, opts.PoolSize)
	assert.Equal(t, cfg.Redis.MinIdleConns, opts.MinIdleConns)
	assert.Equal(t, 750*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, cfg.Redis.DialTimeout, opts.DialTimeout)
	assert.Equal(t, "instance-1", opts.InstanceID)
}
