package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/logger"
	"roomlink/pkg/retry"
	"roomlink/pkg/tracing"

	"go.uber.org/zap"
)

// ReconnectionManager drives failed connections back to Connected with
// exponential backoff. Attempts for distinct connections run independently;
// at most one attempt sequence runs per connection.
type ReconnectionManager struct {
	policy         retry.Config
	attemptTimeout time.Duration
	metrics        *domain.GlobalMetrics
	recorder       ports.MetricsRecorder
	logger         *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[domain.ConnectionID]struct{}
	stopped  bool
}

// NewReconnectionManager builds a manager for the given backoff policy.
// Authentication failures are never retried. attemptTimeout bounds each
// remote reconnect call; zero means no per-attempt bound.
func NewReconnectionManager(
	policy retry.Config,
	attemptTimeout time.Duration,
	metrics *domain.GlobalMetrics,
	recorder ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *ReconnectionManager {
	policy.NonRetryableErrors = append(policy.NonRetryableErrors, domain.ErrAuthentication)

	ctx, cancel := context.WithCancel(context.Background())
	return &ReconnectionManager{
		policy:         policy,
		attemptTimeout: attemptTimeout,
		metrics:        metrics,
		recorder:       recorderOrNop(recorder),
		logger:         loggerOrNop(logger),
		ctx:            ctx,
		cancel:         cancel,
		inFlight:       make(map[domain.ConnectionID]struct{}),
	}
}

// Trigger starts a background reconnection for c unless one is already
// running. It never blocks.
func (m *ReconnectionManager) Trigger(c *PooledConnection) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, busy := m.inFlight[c.ID()]; busy {
		m.mu.Unlock()
		return
	}
	m.inFlight[c.ID()] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.finish(c.ID())
		if err := m.reconnect(m.ctx, c); err != nil {
			m.logger.Warnw("Background reconnection failed",
				"connection_id", c.ID(),
				"error", err,
			)
		}
	}()
}

// Reconnect runs the attempt sequence for c on the caller's goroutine. It
// returns ErrReconnectInProgress if another sequence owns c.
func (m *ReconnectionManager) Reconnect(ctx context.Context, c *PooledConnection) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return domain.ErrShutdown
	}
	if _, busy := m.inFlight[c.ID()]; busy {
		m.mu.Unlock()
		return domain.ErrReconnectInProgress
	}
	m.inFlight[c.ID()] = struct{}{}
	m.mu.Unlock()
	defer m.finish(c.ID())

	// Stop cancels direct callers too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	return m.reconnect(ctx, c)
}

func (m *ReconnectionManager) finish(id domain.ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// InFlight reports whether an attempt sequence is running for id.
func (m *ReconnectionManager) InFlight(id domain.ConnectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[id]
	return ok
}

func (m *ReconnectionManager) reconnect(ctx context.Context, c *PooledConnection) error {
	ctx = logger.WithConnectionID(ctx, string(c.ID()))
	ctx, span := tracing.TraceReconnect(ctx, string(c.ID()))
	defer span.End()

	if err := c.markReconnecting(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}

	start := time.Now()
	err := retry.Do(ctx, m.policy, func(attempt int) error {
		m.metrics.RecordReconnectAttempt()
		span.SetAttributes(tracing.AttemptKey.Int(attempt + 1))

		attemptCtx := ctx
		if m.attemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, m.attemptTimeout)
			defer cancel()
		}

		if err := c.client.Connect(attemptCtx); err != nil {
			m.logger.Debugw("Reconnect attempt failed",
				"connection_id", c.ID(),
				"attempt", attempt+1,
				"next_delay", m.policy.Delay(attempt+1),
				"error", err,
			)
			return err
		}
		return nil
	})

	if err == nil {
		c.incrementReconnectCount()
		if terr := c.markConnected(ctx); terr != nil {
			// closed underneath us during shutdown
			return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, terr)
		}
		m.metrics.RecordReconnectSuccess()
		m.recorder.RecordReconnect(true)
		m.logger.Infow("Connection reconnected",
			"connection_id", c.ID(),
			"elapsed", time.Since(start),
		)
		return nil
	}

	tracing.RecordError(ctx, err)
	m.recorder.RecordReconnect(false)
	// A member closed during shutdown stays Disconnected; fail is not a valid
	// event from there.
	_ = c.markFailed(context.Background())

	switch {
	case errors.Is(err, context.Canceled):
		m.logger.Infow("Reconnection cancelled", "connection_id", c.ID())
	case domain.IsFatal(err):
		m.logger.Errorw("Reconnection aborted: authentication failed",
			"connection_id", c.ID(),
			"error", err,
		)
	default:
		m.logger.Warnw("Reconnection gave up",
			"connection_id", c.ID(),
			"max_attempts", m.policy.MaxAttempts,
			"error", err,
		)
	}
	return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
}

// Stop cancels every running attempt sequence and waits for background
// sequences to exit.
func (m *ReconnectionManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
