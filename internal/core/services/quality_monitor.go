package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type QualityMonitorConfig struct {
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	MetricsInterval     time.Duration
	Audio               domain.AudioOptimizationConfig
}

// QualityMonitor probes pooled connections and aggregates GlobalMetrics in
// the background.
type QualityMonitor struct {
	config      QualityMonitorConfig
	pool        *ConnectionPool
	rooms       *RoomLifecycleTracker
	reconnector reconnectTrigger
	metrics     *domain.GlobalMetrics
	recorder    ports.MetricsRecorder
	logger      *zap.SugaredLogger
	now         func() time.Time

	// afterAggregate runs at the end of every aggregation tick.
	afterAggregate func(ctx context.Context)

	mu               sync.Mutex
	lastAggregateAt  time.Time
	lastReconnects   int64
	lastRoomsCreated int64
}

func NewQualityMonitor(
	config QualityMonitorConfig,
	pool *ConnectionPool,
	rooms *RoomLifecycleTracker,
	reconnector reconnectTrigger,
	metrics *domain.GlobalMetrics,
	recorder ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *QualityMonitor {
	return &QualityMonitor{
		config:          config,
		pool:            pool,
		rooms:           rooms,
		reconnector:     reconnector,
		metrics:         metrics,
		recorder:        recorderOrNop(recorder),
		logger:          loggerOrNop(logger),
		now:             time.Now,
		lastAggregateAt: time.Now(),
	}
}

// MonitorConnectionQuality returns a point-in-time view of pool and room
// health. It never blocks on the remote service.
func (m *QualityMonitor) MonitorConnectionQuality() *domain.QualitySnapshot {
	conns := m.pool.Connections()
	snapshot := &domain.QualitySnapshot{
		Timestamp:   m.now(),
		Connections: make([]domain.ConnectionMetrics, 0, len(conns)),
	}

	var scoreSum float64
	for _, c := range conns {
		cm := c.Metrics()
		snapshot.Connections = append(snapshot.Connections, cm)
		scoreSum += cm.QualityScore
		if cm.State == domain.StateConnected {
			snapshot.PoolStatus.HealthyConnections++
		}
	}
	snapshot.PoolStatus.TotalConnections = len(conns)
	snapshot.PerformanceMetrics.AvgLatencyMs = averageConnectedLatency(snapshot.Connections)
	if len(conns) > 0 {
		snapshot.PerformanceMetrics.QualityScore = scoreSum / float64(len(conns))
	}
	if m.rooms != nil {
		snapshot.RoomMetrics = m.rooms.Metrics()
	}
	return snapshot
}

func averageConnectedLatency(conns []domain.ConnectionMetrics) float64 {
	var sum float64
	n := 0
	for _, cm := range conns {
		if cm.State == domain.StateConnected && cm.TotalRequests > 0 {
			sum += cm.AvgLatencyMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CheckConnections runs one health-check tick: every idle Connected member
// is probed concurrently, and Failed members are submitted for reconnection.
// No probe is started once ctx is done.
func (m *QualityMonitor) CheckConnections(ctx context.Context) {
	var g errgroup.Group
	probed := 0

	for _, c := range m.pool.Connections() {
		if ctx.Err() != nil {
			break
		}
		switch c.State() {
		case domain.StateFailed:
			if m.reconnector != nil {
				m.reconnector.Trigger(c)
			}
			continue
		case domain.StateConnected:
		default:
			continue
		}
		if !m.pool.beginProbe(c) {
			continue
		}
		probed++
		g.Go(func() error {
			defer m.pool.endProbe(c)
			m.probe(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	m.publishConnectionQuality()
	m.logger.Debugw("Health check completed", "probed", probed)
}

func (m *QualityMonitor) probe(ctx context.Context, c *PooledConnection) {
	probeCtx, cancel := context.WithTimeout(logger.WithConnectionID(ctx, string(c.ID())), m.config.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := c.client.Ping(probeCtx)
	elapsed := m.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// abandoned by shutdown
		return
	}

	c.recordProbe(elapsed, err, start)
	m.recorder.RecordProbe(elapsed, err == nil)
	if err == nil {
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(domain.ErrTransient, err)
	}
	m.logger.Warnw("Health probe failed",
		"connection_id", c.ID(),
		"elapsed", elapsed,
		"error", err,
	)
	m.pool.handleFailure(c, err)
}

func (m *QualityMonitor) publishConnectionQuality() {
	conns := m.pool.Connections()
	healthy, failed := 0, 0
	for _, c := range conns {
		cm := c.Metrics()
		switch cm.State {
		case domain.StateConnected:
			healthy++
		case domain.StateFailed:
			failed++
		}
		m.metrics.SetQualityScore(cm.ID, cm.QualityScore)
		m.recorder.RecordConnectionQuality(cm.ID, cm.QualityScore, cm.AvgLatencyMs)
	}
	m.recorder.RecordPoolState(len(conns), healthy, failed, m.metrics.ActiveConnections())
}

// Aggregate recomputes the derived GlobalMetrics fields. Rates are events
// per second over the time since the previous tick.
func (m *QualityMonitor) Aggregate(ctx context.Context) {
	now := m.now()
	conns := m.pool.Connections()
	cms := make([]domain.ConnectionMetrics, 0, len(conns))
	for _, c := range conns {
		cms = append(cms, c.Metrics())
	}
	avgLatency := averageConnectedLatency(cms)
	reconnects, roomsCreated := m.metrics.Counters()

	m.mu.Lock()
	window := now.Sub(m.lastAggregateAt).Seconds()
	var reconnectRate, roomRate float64
	if window > 0 {
		reconnectRate = float64(reconnects-m.lastReconnects) / window
		roomRate = float64(roomsCreated-m.lastRoomsCreated) / window
	}
	m.lastAggregateAt = now
	m.lastReconnects = reconnects
	m.lastRoomsCreated = roomsCreated
	m.mu.Unlock()

	audioLatency := avgLatency + float64(m.config.Audio.BufferSizeMs+m.config.Audio.JitterBufferMs)
	m.metrics.SetAggregates(avgLatency, reconnectRate, roomRate, audioLatency)
	m.pool.updateTotals()

	m.recorder.RecordAggregates(m.metrics.Snapshot())
	if m.rooms != nil {
		m.recorder.RecordActiveRooms(m.rooms.ActiveCount())
	}

	if m.afterAggregate != nil {
		m.afterAggregate(ctx)
	}
	m.logger.Debugw("Metrics aggregated",
		"avg_latency_ms", avgLatency,
		"reconnection_rate", reconnectRate,
		"room_creation_rate", roomRate,
		"audio_latency_ms", audioLatency,
	)
}

// Run drives the health-check and aggregation loops until ctx is done.
func (m *QualityMonitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runTicker(ctx, m.config.HealthCheckInterval, m.CheckConnections)
	}()
	go func() {
		defer wg.Done()
		runTicker(ctx, m.config.MetricsInterval, m.Aggregate)
	}()
	wg.Wait()
}

func runTicker(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
