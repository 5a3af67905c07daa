package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	httphandlers "roomlink/internal/handlers/http"
	"roomlink/internal/infrastructure/livekit"
	"roomlink/internal/infrastructure/middleware"
	"roomlink/internal/infrastructure/monitoring"
	"roomlink/internal/infrastructure/repositories"
	"roomlink/pkg/circuitbreaker"
	"roomlink/pkg/config"
	"roomlink/pkg/logger"
	"roomlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := os.Getenv("ROOMLINK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.New("info", "json").Sugar().Fatalw("failed to load config", "path", configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "roomlink",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	statsRepo := repoFactory.CreateStatsRepository()
	eventBus := repoFactory.CreateEventBus()

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.LiveKit.CircuitBreaker.FailureThreshold
	if cfg.LiveKit.CircuitBreaker.Timeout > 0 {
		breaker.Timeout = cfg.LiveKit.CircuitBreaker.Timeout
	}
	clientFactory := livekit.NewClientFactory(livekit.Config{
		URL:             cfg.LiveKit.URL,
		APIKey:          cfg.LiveKit.APIKey,
		APISecret:       cfg.LiveKit.APISecret,
		CircuitBreaker:  breaker,
		EmptyTimeout:    cfg.Rooms.EmptyRoomGrace,
		MaxParticipants: cfg.RoomLimits().MaxParticipantsPerRoom,
	}, log.With("component", "livekit"))

	opts := []services.OptimizerOption{
		services.WithLogger(log),
		services.WithStatsStore(statsRepo),
		services.WithEventPublisher(eventBus),
	}
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		opts = append(opts, services.WithMetricsRecorder(monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)))
		gatherer = prometheus.DefaultGatherer
	}

	optimizer, err := services.NewPerformanceOptimizer(optimizerConfig(cfg), clientFactory, opts...)
	if err != nil {
		log.Fatalw("invalid optimizer configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := optimizer.Initialize(ctx); err != nil {
		log.Fatalw("failed to initialize optimizer", "error", err)
	}

	if sub, ok := eventBus.(ports.RoomEventSubscriber); ok {
		go func() {
			err := sub.Subscribe(ctx, func(e *domain.RoomEvent) {
				log.Debugw("room event from peer", "type", e.Type, "room", e.Room)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("room event subscription ended", "error", err)
			}
		}()
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddPoolCheck(optimizer)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, cfg.Monitoring.ProbeTimeout)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStatusHandler(optimizer, healthChecker, statsRepo, eventBus, gatherer).SetupRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Status.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting status server", "address", cfg.Status.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("status server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
	defer cancel()

	if err := optimizer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("optimizer shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("roomlink optimizer stopped")
}

func optimizerConfig(cfg *config.Config) services.OptimizerConfig {
	return services.OptimizerConfig{
		PoolSize: cfg.Pool.Size,
		Pool: services.PoolConfig{
			MaxSize:          cfg.Pool.MaxSize,
			AcquireTimeout:   cfg.Pool.AcquireTimeout,
			GrowthThreshold:  cfg.Pool.GrowthThreshold,
			LatencySmoothing: cfg.Monitoring.LatencySmoothing,
		},
		Reconnect:      cfg.RetryConfig(),
		RequestTimeout: cfg.LiveKit.RequestTimeout,

		Limits:          cfg.RoomLimits(),
		Audio:           cfg.AudioConfig(),
		EmptyRoomGrace:  cfg.Rooms.EmptyRoomGrace,
		CleanupInterval: cfg.Rooms.CleanupInterval,

		HealthCheckInterval: cfg.Monitoring.HealthCheckInterval,
		ProbeTimeout:        cfg.Monitoring.ProbeTimeout,
		MetricsInterval:     cfg.Monitoring.MetricsInterval,

		DrainTimeout: cfg.Status.DrainTimeout,
	}
}
