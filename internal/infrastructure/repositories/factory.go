package repositories

import (
	"context"

	"roomlink/internal/core/ports"
	"roomlink/internal/infrastructure/repositories/memory"
	redisrepo "roomlink/internal/infrastructure/repositories/redis"
	"roomlink/pkg/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const memoryEventBuffer = 256

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory
// repositories if it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		instanceID: uuid.New().String(),
		cfg:        cfg,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(context.Background(), redisOptions(cfg, factory.instanceID), logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis repositories", "instance_id", factory.instanceID)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func redisOptions(cfg *config.Config, instanceID string) redisrepo.Options {
	return redisrepo.Options{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		InstanceID:   instanceID,
	}
}

func (f *RepositoryFactory) redisReady() bool {
	return f.useRedis && f.redisClient != nil
}

// CreateStatsRepository creates a stats repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateStatsRepository() ports.StatsRepository {
	if f.redisReady() {
		return redisrepo.NewRedisStatsRepository(f.redisClient, f.cfg.Redis.SnapshotTTL)
	}
	return memory.NewMemoryStatsRepository()
}

// CreateEventBus creates a room event bus (Redis or memory with fallback). The
// Redis bus also implements ports.RoomEventSubscriber.
func (f *RepositoryFactory) CreateEventBus() ports.RoomEventBus {
	if f.redisReady() {
		return redisrepo.NewEventBus(f.redisClient, f.instanceID, memoryEventBuffer, f.logger)
	}
	return memory.NewEventBus(memoryEventBuffer)
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.redisReady() {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) InstanceID() string {
	return f.instanceID
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisReady() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
