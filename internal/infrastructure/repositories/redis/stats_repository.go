package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	statsLatestKey  = keyPrefix + "stats:latest"
	statsHistoryKey = keyPrefix + "stats:history"

	// HistoryLength bounds the snapshot history list.
	HistoryLength = 120
)

type RedisStatsRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatsRepository stores snapshots under a single key that expires
// after ttl, so a dead process stops advertising stale numbers.
func NewRedisStatsRepository(client *redis.Client, ttl time.Duration) ports.StatsRepository {
	return &RedisStatsRepository{client: client, ttl: ttl}
}

func (r *RedisStatsRepository) Save(ctx context.Context, stats *domain.PerformanceStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, statsLatestKey, data, r.ttl)
	pipe.LPush(ctx, statsHistoryKey, data)
	pipe.LTrim(ctx, statsHistoryKey, 0, HistoryLength-1)
	if r.ttl > 0 {
		pipe.Expire(ctx, statsHistoryKey, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

// Latest returns nil without error when no snapshot has been saved or the
// last one expired.
func (r *RedisStatsRepository) Latest(ctx context.Context) (*domain.PerformanceStats, error) {
	data, err := r.client.Get(ctx, statsLatestKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return decodeStats(data)
}

// History returns up to limit snapshots, newest first.
func (r *RedisStatsRepository) History(ctx context.Context, limit int) ([]*domain.PerformanceStats, error) {
	if limit <= 0 || limit > HistoryLength {
		limit = HistoryLength
	}
	raw, err := r.client.LRange(ctx, statsHistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stats history: %w", err)
	}

	history := make([]*domain.PerformanceStats, 0, len(raw))
	for _, item := range raw {
		stats, err := decodeStats([]byte(item))
		if err != nil {
			continue
		}
		history = append(history, stats)
	}
	return history, nil
}

func decodeStats(data []byte) (*domain.PerformanceStats, error) {
	var stats domain.PerformanceStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &stats, nil
}
