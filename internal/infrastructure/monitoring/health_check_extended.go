package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PoolStatus is what the pool check needs from the optimizer.
type PoolStatus interface {
	Ready() bool
	HealthyConnections() int
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddPoolCheck fails while the optimizer is not accepting work or has no
// Connected member.
func (h *HealthChecker) AddPoolCheck(pool PoolStatus) {
	h.AddCheck("connection_pool", func(ctx context.Context) (bool, error) {
		if !pool.Ready() {
			return false, fmt.Errorf("optimizer not ready")
		}
		if n := pool.HealthyConnections(); n == 0 {
			return false, fmt.Errorf("no healthy connections")
		}
		return true, nil
	}, 0)
}
