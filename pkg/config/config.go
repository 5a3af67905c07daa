package config

import (
	"fmt"
	"os"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/pkg/retry"
	"roomlink/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	LiveKit struct {
		URL            string        `yaml:"url"`
		APIKey         string        `yaml:"api_key"`
		APISecret      string        `yaml:"api_secret"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"livekit"`

	Pool struct {
		Size            int           `yaml:"size"`
		MaxSize         int           `yaml:"max_size"`
		AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
		GrowthThreshold int           `yaml:"growth_threshold"` // consecutive exhaustions before growing
	} `yaml:"pool"`

	Reconnect struct {
		BaseDelay      time.Duration `yaml:"base_delay"`
		Multiplier     float64       `yaml:"multiplier"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		JitterFraction float64       `yaml:"jitter_fraction"`
		MaxAttempts    int           `yaml:"max_attempts"`
	} `yaml:"reconnect"`

	Rooms struct {
		Limits          domain.RoomLimits `yaml:"limits"`
		EmptyRoomGrace  time.Duration     `yaml:"empty_room_grace"`
		CleanupInterval time.Duration     `yaml:"cleanup_interval"`
	} `yaml:"rooms"`

	Audio domain.AudioOptimizationConfig `yaml:"audio"`

	Monitoring struct {
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		ProbeTimeout        time.Duration `yaml:"probe_timeout"`
		MetricsInterval     time.Duration `yaml:"metrics_interval"`
		LatencySmoothing    float64       `yaml:"latency_smoothing"` // EMA weight of the newest sample
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Status struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		DrainTimeout    time.Duration `yaml:"drain_timeout"`
	} `yaml:"status"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// LiveKit
	if err := validation.ValidateServerURL(c.LiveKit.URL); err != nil {
		return fmt.Errorf("livekit.url: %w", err)
	}
	if c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		return fmt.Errorf("livekit.api_key and livekit.api_secret must be set")
	}
	if c.LiveKit.RequestTimeout <= 0 {
		return fmt.Errorf("livekit.request_timeout must be > 0")
	}
	if c.LiveKit.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("livekit.circuit_breaker.failure_threshold must be > 0")
	}

	// Pool
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.MaxSize < c.Pool.Size {
		return fmt.Errorf("pool.max_size must be >= pool.size")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be > 0")
	}
	if c.Pool.GrowthThreshold <= 0 {
		return fmt.Errorf("pool.growth_threshold must be > 0")
	}

	// Reconnect
	if err := c.RetryConfig().Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	// Rooms and audio
	if err := c.Rooms.Limits.Validate(); err != nil {
		return fmt.Errorf("rooms.limits: %w", err)
	}
	if c.Rooms.EmptyRoomGrace < 0 {
		return fmt.Errorf("rooms.empty_room_grace must be >= 0")
	}
	if c.Rooms.CleanupInterval <= 0 {
		return fmt.Errorf("rooms.cleanup_interval must be > 0")
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.ProbeTimeout <= 0 {
		return fmt.Errorf("monitoring.probe_timeout must be > 0")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}
	if c.Monitoring.LatencySmoothing <= 0 || c.Monitoring.LatencySmoothing > 1 {
		return fmt.Errorf("monitoring.latency_smoothing must be within (0,1]")
	}

	// Status
	if c.Status.Address == "" {
		return fmt.Errorf("status.address must not be empty")
	}
	if c.Status.ShutdownTimeout <= 0 {
		return fmt.Errorf("status.shutdown_timeout must be > 0")
	}
	if c.Status.DrainTimeout <= 0 {
		return fmt.Errorf("status.drain_timeout must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.MinIdleConns < 0 || c.Redis.MinIdleConns > c.Redis.PoolSize {
			return fmt.Errorf("redis.min_idle_conns must be between 0 and redis.pool_size")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	return nil
}

// RetryConfig converts the reconnect section into a backoff policy.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    c.Reconnect.MaxAttempts,
		InitialDelay:   c.Reconnect.BaseDelay,
		MaxDelay:       c.Reconnect.MaxDelay,
		Multiplier:     c.Reconnect.Multiplier,
		JitterFraction: c.Reconnect.JitterFraction,
	}
}

// RoomLimits returns the validated, immutable room limits.
func (c *Config) RoomLimits() domain.RoomLimits {
	return c.Rooms.Limits
}

func (c *Config) AudioConfig() domain.AudioOptimizationConfig {
	return c.Audio
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall through to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.LiveKit.URL = "http://localhost:7880"
	cfg.LiveKit.APIKey = "devkey"
	cfg.LiveKit.APISecret = "secret"
	cfg.LiveKit.RequestTimeout = 5 * time.Second
	cfg.LiveKit.CircuitBreaker.FailureThreshold = 5
	cfg.LiveKit.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Pool.Size = 4
	cfg.Pool.MaxSize = 16
	cfg.Pool.AcquireTimeout = 5 * time.Second
	cfg.Pool.GrowthThreshold = 3

	policy := retry.DefaultConfig()
	cfg.Reconnect.BaseDelay = policy.InitialDelay
	cfg.Reconnect.Multiplier = policy.Multiplier
	cfg.Reconnect.MaxDelay = policy.MaxDelay
	cfg.Reconnect.JitterFraction = policy.JitterFraction
	cfg.Reconnect.MaxAttempts = policy.MaxAttempts

	cfg.Rooms.Limits = domain.DefaultRoomLimits()
	cfg.Rooms.EmptyRoomGrace = 5 * time.Minute
	cfg.Rooms.CleanupInterval = time.Minute

	cfg.Audio = domain.DefaultAudioOptimizationConfig()

	cfg.Monitoring.HealthCheckInterval = 10 * time.Second
	cfg.Monitoring.ProbeTimeout = 3 * time.Second
	cfg.Monitoring.MetricsInterval = 30 * time.Second
	cfg.Monitoring.LatencySmoothing = 0.2
	cfg.Monitoring.PrometheusEnabled = true

	cfg.Status.Address = ":8090"
	cfg.Status.ShutdownTimeout = 30 * time.Second
	cfg.Status.DrainTimeout = 10 * time.Second

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.SnapshotTTL = 5 * time.Minute

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("ROOMLINK_LIVEKIT_URL"); url != "" {
		c.LiveKit.URL = url
	}
	if key := os.Getenv("ROOMLINK_LIVEKIT_API_KEY"); key != "" {
		c.LiveKit.APIKey = key
	}
	if secret := os.Getenv("ROOMLINK_LIVEKIT_API_SECRET"); secret != "" {
		c.LiveKit.APISecret = secret
	}
	if addr := os.Getenv("ROOMLINK_STATUS_ADDRESS"); addr != "" {
		c.Status.Address = addr
	}
	if level := os.Getenv("ROOMLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("ROOMLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
