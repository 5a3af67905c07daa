package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/retry"
	"roomlink/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OptimizerConfig struct {
	PoolSize       int
	Pool           PoolConfig
	Reconnect      retry.Config
	RequestTimeout time.Duration

	Limits          domain.RoomLimits
	Audio           domain.AudioOptimizationConfig
	EmptyRoomGrace  time.Duration
	CleanupInterval time.Duration

	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	MetricsInterval     time.Duration

	DrainTimeout time.Duration
}

// Validate checks the configuration once, at construction time.
func (c OptimizerConfig) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size must be > 0", domain.ErrInvalidConfig)
	}
	if c.Pool.MaxSize < c.PoolSize {
		return fmt.Errorf("%w: pool max size must be >= pool size", domain.ErrInvalidConfig)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: acquire timeout must be > 0", domain.ErrInvalidConfig)
	}
	if c.Pool.LatencySmoothing <= 0 || c.Pool.LatencySmoothing > 1 {
		return fmt.Errorf("%w: latency smoothing must be within (0,1]", domain.ErrInvalidConfig)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("%w: reconnect: %v", domain.ErrInvalidConfig, err)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Audio.Validate(); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 || c.HealthCheckInterval <= 0 || c.MetricsInterval <= 0 {
		return fmt.Errorf("%w: loop intervals must be > 0", domain.ErrInvalidConfig)
	}
	if c.ProbeTimeout <= 0 || c.DrainTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request, probe and drain timeouts must be > 0", domain.ErrInvalidConfig)
	}
	return nil
}

type OptimizerOption func(*PerformanceOptimizer)

func WithMetricsRecorder(r ports.MetricsRecorder) OptimizerOption {
	return func(o *PerformanceOptimizer) { o.recorder = recorderOrNop(r) }
}

func WithStatsStore(s ports.StatsStore) OptimizerOption {
	return func(o *PerformanceOptimizer) { o.stats = s }
}

func WithEventPublisher(p ports.RoomEventPublisher) OptimizerOption {
	return func(o *PerformanceOptimizer) { o.events = p }
}

func WithLogger(l *zap.SugaredLogger) OptimizerOption {
	return func(o *PerformanceOptimizer) { o.logger = loggerOrNop(l) }
}

// PerformanceOptimizer owns the pool, the reconnection manager, the room
// tracker, the quality monitor and the GlobalMetrics they share.
type PerformanceOptimizer struct {
	config   OptimizerConfig
	metrics  *domain.GlobalMetrics
	recorder ports.MetricsRecorder
	stats    ports.StatsStore
	events   ports.RoomEventPublisher
	logger   *zap.SugaredLogger

	pool        *ConnectionPool
	reconnector *ReconnectionManager
	rooms       *RoomLifecycleTracker
	monitor     *QualityMonitor

	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	cancelLoops  context.CancelFunc
	wg           sync.WaitGroup
}

func NewPerformanceOptimizer(config OptimizerConfig, factory ports.ClientFactory, opts ...OptimizerOption) (*PerformanceOptimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: client factory is required", domain.ErrInvalidConfig)
	}

	o := &PerformanceOptimizer{
		config:   config,
		metrics:  domain.NewGlobalMetrics(),
		recorder: nopRecorder{},
		logger:   loggerOrNop(nil),
	}
	for _, opt := range opts {
		opt(o)
	}

	poolConfig := config.Pool
	poolConfig.TargetLatencyMs = float64(config.Audio.TargetLatencyMs)
	if poolConfig.ConnectTimeout == 0 {
		poolConfig.ConnectTimeout = config.RequestTimeout
	}

	o.pool = NewConnectionPool(factory, poolConfig, o.metrics, o.logger.With("component", "pool"))
	o.reconnector = NewReconnectionManager(config.Reconnect, config.RequestTimeout, o.metrics, o.recorder, o.logger.With("component", "reconnect"))
	o.pool.SetReconnector(o.reconnector)
	o.pool.OnStateChange(o.onConnectionStateChange)

	o.rooms = NewRoomLifecycleTracker(config.Limits, config.Audio, config.EmptyRoomGrace, o.pool, o.metrics, o.recorder, o.events, o.logger.With("component", "rooms"))
	o.monitor = NewQualityMonitor(QualityMonitorConfig{
		HealthCheckInterval: config.HealthCheckInterval,
		ProbeTimeout:        config.ProbeTimeout,
		MetricsInterval:     config.MetricsInterval,
		Audio:               config.Audio,
	}, o.pool, o.rooms, o.reconnector, o.metrics, o.recorder, o.logger.With("component", "monitor"))
	o.monitor.afterAggregate = o.saveStats

	return o, nil
}

// Initialize fills the pool and starts the background loops. Members that
// fail their first dial do not fail initialization.
func (o *PerformanceOptimizer) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return domain.ErrShutdown
	}
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	o.mu.Unlock()

	if err := o.pool.Initialize(ctx, o.config.PoolSize); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		cancel()
		return domain.ErrShutdown
	}
	o.cancelLoops = cancel
	o.wg.Add(2)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.monitor.Run(loopCtx)
	}()
	go func() {
		defer o.wg.Done()
		runTicker(loopCtx, o.config.CleanupInterval, func(ctx context.Context) {
			o.rooms.Sweep(ctx)
		})
	}()

	o.logger.Infow("Performance optimizer initialized",
		"pool_size", o.pool.Size(),
		"healthy", o.pool.HealthyCount(),
		"max_concurrent_rooms", o.config.Limits.MaxConcurrentRooms,
	)
	return nil
}

func (o *PerformanceOptimizer) closing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuttingDown
}

// GetConnection leases a healthy connection. The caller must Release it.
func (o *PerformanceOptimizer) GetConnection(ctx context.Context) (*Lease, error) {
	if o.closing() {
		return nil, domain.ErrShutdown
	}
	return o.pool.Acquire(ctx)
}

// WithConnection runs fn with a leased connection and releases it on every
// exit path.
func (o *PerformanceOptimizer) WithConnection(ctx context.Context, fn func(ctx context.Context, c *PooledConnection) error) error {
	if o.closing() {
		return domain.ErrShutdown
	}
	return o.pool.WithConnection(ctx, fn)
}

// CreateOptimizedRoom creates a room carrying the audio optimization and
// limit sections in its metadata, merged with metadata (may be nil).
func (o *PerformanceOptimizer) CreateOptimizedRoom(ctx context.Context, name string, metadata map[string]any) (*domain.Room, error) {
	if o.closing() {
		return nil, domain.ErrShutdown
	}
	return o.rooms.CreateOptimizedRoom(ctx, name, metadata)
}

func (o *PerformanceOptimizer) AddParticipantToRoom(ctx context.Context, room, participantID string) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "add_participant", room)
	defer span.End()
	span.SetAttributes(tracing.ParticipantKey.String(participantID))

	if o.closing() {
		return domain.ErrShutdown
	}
	if err := o.rooms.AddParticipant(room, participantID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (o *PerformanceOptimizer) RemoveParticipantFromRoom(room, participantID string) error {
	return o.rooms.RemoveParticipant(room, participantID)
}

func (o *PerformanceOptimizer) AddTrack(room string, kind domain.TrackKind) error {
	if o.closing() {
		return domain.ErrShutdown
	}
	return o.rooms.AddTrack(room, kind)
}

func (o *PerformanceOptimizer) RemoveTrack(room string, kind domain.TrackKind) error {
	return o.rooms.RemoveTrack(room, kind)
}

func (o *PerformanceOptimizer) DeleteRoom(ctx context.Context, name string) error {
	if o.closing() {
		return domain.ErrShutdown
	}
	return o.rooms.DeleteRoom(ctx, name)
}

func (o *PerformanceOptimizer) SyncRoom(ctx context.Context, name string) error {
	if o.closing() {
		return domain.ErrShutdown
	}
	return o.rooms.SyncRoom(ctx, name)
}

func (o *PerformanceOptimizer) ReconcileRooms(ctx context.Context) ([]string, error) {
	if o.closing() {
		return nil, domain.ErrShutdown
	}
	return o.rooms.Reconcile(ctx)
}

// ActiveRooms returns the tracked rooms ordered by name.
func (o *PerformanceOptimizer) ActiveRooms() []domain.ActiveRoomRecord {
	return o.rooms.Snapshot()
}

func (o *PerformanceOptimizer) MonitorConnectionQuality() *domain.QualitySnapshot {
	return o.monitor.MonitorConnectionQuality()
}

// GetPerformanceStats returns a read-only snapshot. It never fails, including
// during outages and after shutdown.
func (o *PerformanceOptimizer) GetPerformanceStats() *domain.PerformanceStats {
	return &domain.PerformanceStats{
		Timestamp:     time.Now(),
		GlobalMetrics: o.metrics.Snapshot(),
		PoolSize:      o.pool.Size(),
		ActiveRooms:   o.rooms.ActiveCount(),
		RoomLimits:    o.config.Limits,
		AudioConfig:   o.config.Audio,
		ShuttingDown:  o.closing(),
	}
}

// Ready reports whether the optimizer accepts work.
func (o *PerformanceOptimizer) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized && !o.shuttingDown
}

// HealthyConnections is the number of Connected pool members.
func (o *PerformanceOptimizer) HealthyConnections() int {
	return o.pool.HealthyCount()
}

// Shutdown stops the background loops, waits up to the drain timeout for
// outstanding leases, then disconnects every pooled connection. Only the
// first call does anything.
func (o *PerformanceOptimizer) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	cancel := o.cancelLoops
	o.mu.Unlock()
	o.metrics.BeginShutdown()

	o.logger.Infow("Shutting down performance optimizer")

	if cancel != nil {
		cancel()
	}
	o.reconnector.Stop()
	o.wg.Wait()

	var errs []error
	drainCtx, drainCancel := context.WithTimeout(ctx, o.config.DrainTimeout)
	if err := o.pool.WaitIdle(drainCtx); err != nil {
		o.logger.Warnw("Lease drain timed out, closing with leases outstanding",
			"active_connections", o.metrics.ActiveConnections(),
			"error", err,
		)
		errs = append(errs, fmt.Errorf("drain leases: %w", err))
	}
	drainCancel()

	conns := o.pool.Connections()
	if err := o.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	for _, c := range conns {
		o.recorder.RemoveConnection(c.ID())
	}
	o.saveStats(ctx)
	o.metrics.Freeze()

	o.logger.Infow("Performance optimizer stopped",
		"rooms_created", o.metrics.Snapshot().RoomsCreated,
	)
	return errors.Join(errs...)
}

func (o *PerformanceOptimizer) onConnectionStateChange(c *PooledConnection, from, to domain.ConnectionState) {
	if to != domain.StateFailed || o.events == nil {
		return
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.config.RequestTimeout)
		defer cancel()

		event := &domain.RoomEvent{
			ID:           uuid.New().String(),
			Type:         domain.EventConnectionFailed,
			ConnectionID: c.ID(),
			Timestamp:    time.Now(),
		}
		if err := o.events.Publish(ctx, event); err != nil {
			o.logger.Warnw("Failed to publish connection event",
				"connection_id", c.ID(),
				"error", err,
			)
		}
	}()
}

func (o *PerformanceOptimizer) saveStats(ctx context.Context) {
	if o.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ProbeTimeout)
	defer cancel()

	if err := o.stats.Save(ctx, o.GetPerformanceStats()); err != nil {
		o.logger.Warnw("Failed to save performance stats", "error", err)
	}
}
