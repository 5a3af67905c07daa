package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "roomlink:"

// Options configures the shared client used by the stats repository and the
// room event bus.
type Options struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// InstanceID tags the connection in CLIENT LIST so replicas can be told
	// apart.
	InstanceID string
}

func (o Options) clientOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         o.Address,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     o.PoolSize,
		MinIdleConns: o.MinIdleConns,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.PoolSize > 0 && opts.MinIdleConns > opts.PoolSize {
		opts.MinIdleConns = opts.PoolSize
	}
	if o.InstanceID != "" {
		opts.ClientName = "roomlink-" + o.InstanceID
	}
	return opts
}

// NewRedisClient connects and pings. The ping is bounded by the dial timeout.
func NewRedisClient(ctx context.Context, o Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	opts := o.clientOptions()
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", o.Address, err)
	}

	if logger != nil {
		logger.Infow("Connected to Redis",
			"address", o.Address,
			"db", o.DB,
			"pool_size", opts.PoolSize,
			"min_idle_conns", opts.MinIdleConns,
			"client_name", opts.ClientName,
		)
	}

	return client, nil
}

// CloseRedisClient closes the Redis client connection
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
