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
	"roomlink/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PoolConfig struct {
	MaxSize         int
	AcquireTimeout  time.Duration
	GrowthThreshold int
	// LatencySmoothing is the EMA weight of the newest latency sample.
	LatencySmoothing float64
	TargetLatencyMs  float64
	ConnectTimeout   time.Duration
}

// reconnectTrigger is the part of ReconnectionManager the pool needs.
type reconnectTrigger interface {
	Trigger(c *PooledConnection)
}

// ConnectionPool owns the pooled connections and hands out exclusive leases.
//
// Lock order is pool.mu before GlobalMetrics' mutex. State transitions are
// never fired while pool.mu is held.
type ConnectionPool struct {
	factory ports.ClientFactory
	config  PoolConfig
	metrics *domain.GlobalMetrics
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	conns       []*PooledConnection
	changed     chan struct{}
	closed      bool
	initialized bool
	exhaustions int
	growing     bool
	reconnector reconnectTrigger
	onStateFn   func(c *PooledConnection, from, to domain.ConnectionState)
}

func NewConnectionPool(
	factory ports.ClientFactory,
	config PoolConfig,
	metrics *domain.GlobalMetrics,
	logger *zap.SugaredLogger,
) *ConnectionPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		factory: factory,
		config:  config,
		metrics: metrics,
		logger:  loggerOrNop(logger),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}
}

// SetReconnector wires the manager that failed members are submitted to.
func (p *ConnectionPool) SetReconnector(r reconnectTrigger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnector = r
}

// OnStateChange registers a callback invoked after every connection state
// change. It runs on the goroutine that fired the transition.
func (p *ConnectionPool) OnStateChange(fn func(c *PooledConnection, from, to domain.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateFn = fn
}

// Initialize creates size connections and dials them concurrently. Members
// that fail their initial dial stay in the pool in StateFailed.
func (p *ConnectionPool) Initialize(ctx context.Context, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: pool size must be > 0", domain.ErrInvalidConfig)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrShutdown
	}
	if p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("connection pool already initialized")
	}
	p.initialized = true
	p.mu.Unlock()

	conns := make([]*PooledConnection, 0, size)
	for i := 0; i < size; i++ {
		c, err := p.newConnection()
		if err != nil {
			return fmt.Errorf("failed to create pooled connection: %w", err)
		}
		conns = append(conns, c)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range conns {
			_ = c.client.Close()
		}
		return domain.ErrShutdown
	}
	p.conns = append(p.conns, conns...)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			p.dial(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	p.updateTotals()
	p.logger.Infow("Connection pool initialized",
		"size", size,
		"healthy", p.HealthyCount(),
	)
	return nil
}

func (p *ConnectionPool) newConnection() (*PooledConnection, error) {
	client, err := p.factory()
	if err != nil {
		return nil, err
	}
	c := newPooledConnection(client, p.config.LatencySmoothing, p.config.TargetLatencyMs)
	c.onTransition = p.handleTransition
	c.onFailure = p.handleFailure
	return c, nil
}

func (p *ConnectionPool) dial(ctx context.Context, c *PooledConnection) {
	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}

	if err := c.connect(ctx); err != nil {
		p.logger.Warnw("Initial connect failed",
			"connection_id", c.ID(),
			"error", err,
		)
		return
	}
	p.logger.Debugw("Connection established", "connection_id", c.ID())
}

func (p *ConnectionPool) handleTransition(c *PooledConnection, from, to domain.ConnectionState) {
	p.mu.Lock()
	p.notifyLocked()
	fn := p.onStateFn
	p.mu.Unlock()

	p.updateTotals()
	p.logger.Debugw("Connection state changed",
		"connection_id", c.ID(),
		"from", from.String(),
		"to", to.String(),
	)
	if fn != nil {
		fn(c, from, to)
	}
}

// handleFailure reacts to a classified transport failure seen on c. An
// authentication failure fails the connection without retrying; anything
// else hands it to the reconnector.
func (p *ConnectionPool) handleFailure(c *PooledConnection, err error) {
	ctx := context.Background()
	if domain.IsFatal(err) {
		p.logger.Errorw("Authentication failed, marking connection failed",
			"connection_id", c.ID(),
			"error", err,
		)
		_ = c.markFailed(ctx)
		return
	}

	if terr := c.markReconnecting(ctx); terr != nil {
		return
	}
	p.mu.Lock()
	reconnector := p.reconnector
	p.mu.Unlock()
	if reconnector != nil {
		reconnector.Trigger(c)
	}
}

// notifyLocked wakes every Acquire waiting for a change.
func (p *ConnectionPool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire leases a Connected, idle connection. When none is available it
// submits a Failed member for reconnection and waits up to AcquireTimeout.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Lease, error) {
	ctx, span := tracing.TracePoolOperation(ctx, "acquire")
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	triggered := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.ErrShutdown
		}
		if c := p.availableLocked(); c != nil {
			c.inUse = true
			p.exhaustions = 0
			p.metrics.ConnectionAcquired()
			span.SetAttributes(tracing.PoolSizeKey.Int(len(p.conns)))
			p.mu.Unlock()
			return &Lease{pool: p, conn: c}, nil
		}

		var candidate *PooledConnection
		if !triggered {
			candidate = p.failedLocked()
		}
		reconnector := p.reconnector
		changed := p.changed
		p.mu.Unlock()

		if candidate != nil && reconnector != nil {
			triggered = true
			p.logger.Infow("No healthy connection, submitting failed member for reconnection",
				"connection_id", candidate.ID(),
			)
			reconnector.Trigger(candidate)
		}

		select {
		case <-changed:
		case <-waitCtx.Done():
			p.recordExhaustion()
			err := fmt.Errorf("%w: no healthy connection within %v: %w", domain.ErrPoolExhausted, p.config.AcquireTimeout, waitCtx.Err())
			tracing.RecordError(ctx, err)
			return nil, err
		}
	}
}

// availableLocked returns the first Connected member that is neither leased
// nor being probed.
func (p *ConnectionPool) availableLocked() *PooledConnection {
	for _, c := range p.conns {
		if !c.inUse && !c.probing && c.State() == domain.StateConnected {
			return c
		}
	}
	return nil
}

func (p *ConnectionPool) failedLocked() *PooledConnection {
	for _, c := range p.conns {
		if !c.inUse && c.State() == domain.StateFailed {
			return c
		}
	}
	return nil
}

func (p *ConnectionPool) release(c *PooledConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !c.inUse {
		return
	}
	c.inUse = false
	p.metrics.ConnectionReleased()
	p.notifyLocked()
}

// WithConnection runs fn with a leased connection and always releases it,
// including when fn panics.
func (p *ConnectionPool) WithConnection(ctx context.Context, fn func(ctx context.Context, c *PooledConnection) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx, lease.Connection())
}

func (p *ConnectionPool) recordExhaustion() {
	p.metrics.RecordRejection("pool_exhausted")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhaustions++
	if p.closed || p.growing || p.exhaustions < p.config.GrowthThreshold || len(p.conns) >= p.config.MaxSize {
		return
	}
	p.growing = true
	p.exhaustions = 0
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Grow(p.ctx); err != nil {
			p.logger.Warnw("Pool growth failed", "error", err)
		}
		p.mu.Lock()
		p.growing = false
		p.mu.Unlock()
	}()
}

// Grow adds one connection and dials it. The new member counts toward the
// pool size even if its dial fails.
func (p *ConnectionPool) Grow(ctx context.Context) (*PooledConnection, error) {
	ctx, span := tracing.TracePoolOperation(ctx, "grow")
	defer span.End()

	c, err := p.newConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create pooled connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.client.Close()
		return nil, domain.ErrShutdown
	}
	if len(p.conns) >= p.config.MaxSize {
		p.mu.Unlock()
		_ = c.client.Close()
		return nil, fmt.Errorf("pool already at max size %d", p.config.MaxSize)
	}
	p.conns = append(p.conns, c)
	size := len(p.conns)
	p.mu.Unlock()
	span.SetAttributes(tracing.PoolSizeKey.Int(size))

	p.dial(ctx, c)
	p.updateTotals()
	p.logger.Infow("Connection pool grew",
		"connection_id", c.ID(),
		"size", size,
		"state", c.State().String(),
	)
	return c, nil
}

// WaitIdle blocks until no lease is outstanding or ctx is done.
func (p *ConnectionPool) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		busy := false
		for _, c := range p.conns {
			if c.inUse {
				busy = true
				break
			}
		}
		changed := p.changed
		p.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// beginProbe marks c as being probed unless it is leased or already probed.
func (p *ConnectionPool) beginProbe(c *PooledConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || c.inUse || c.probing {
		return false
	}
	c.probing = true
	return true
}

func (p *ConnectionPool) endProbe(c *PooledConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.probing = false
	p.notifyLocked()
}

// Connections returns a copy of the member list in pool order.
func (p *ConnectionPool) Connections() []*PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PooledConnection, len(p.conns))
	copy(out, p.conns)
	return out
}

func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *ConnectionPool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.inUse {
			n++
		}
	}
	return n
}

func (p *ConnectionPool) HealthyCount() int {
	healthy := 0
	for _, c := range p.Connections() {
		if c.State() == domain.StateConnected {
			healthy++
		}
	}
	return healthy
}

func (p *ConnectionPool) updateTotals() {
	conns := p.Connections()
	failed := 0
	for _, c := range conns {
		if c.State() == domain.StateFailed {
			failed++
		}
	}
	p.metrics.SetConnectionTotals(len(conns), failed)
}

// Close disconnects every member. Outstanding leases become no-ops and the
// active counter is reset. Errors from individual members are collected but
// do not stop the sequence.
func (p *ConnectionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, c := range p.conns {
		c.inUse = false
	}
	conns := make([]*PooledConnection, len(p.conns))
	copy(conns, p.conns)
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.ResetActive()
	p.cancel()
	p.wg.Wait()

	var errs []error
	for _, c := range conns {
		if err := c.close(ctx); err != nil {
			p.logger.Warnw("Failed to close pooled connection",
				"connection_id", c.ID(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	p.logger.Infow("Connection pool closed", "size", len(conns))
	return errors.Join(errs...)
}

// Lease is the scoped right to use one pooled connection. Release is safe to
// call more than once.
type Lease struct {
	pool *ConnectionPool
	conn *PooledConnection
	once sync.Once
}

func (l *Lease) Connection() *PooledConnection {
	return l.conn
}

// Do runs fn on the leased connection with request accounting.
func (l *Lease) Do(ctx context.Context, fn func(ctx context.Context, client ports.RemoteServiceClient) error) error {
	return l.conn.Do(ctx, fn)
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn)
	})
}

func loggerOrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	return logger.OrNop(l)
}
