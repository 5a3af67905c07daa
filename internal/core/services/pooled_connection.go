package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

const (
	eventDial          = "dial"
	eventConnected     = "connected"
	eventConnectFailed = "connect_failed"
	eventLost          = "lost"
	eventFail          = "fail"
	eventClose         = "close"
)

var allStates = []string{
	domain.StateDisconnected.String(),
	domain.StateConnecting.String(),
	domain.StateConnected.String(),
	domain.StateReconnecting.String(),
	domain.StateFailed.String(),
}

func newConnectionFSM() *fsm.FSM {
	disconnected := domain.StateDisconnected.String()
	connecting := domain.StateConnecting.String()
	connected := domain.StateConnected.String()
	reconnecting := domain.StateReconnecting.String()
	failed := domain.StateFailed.String()

	return fsm.NewFSM(
		disconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{disconnected, failed}, Dst: connecting},
			{Name: eventConnected, Src: []string{connecting, reconnecting}, Dst: connected},
			{Name: eventConnectFailed, Src: []string{connecting}, Dst: failed},
			// Failed -> Reconnecting is the explicit retry trigger.
			{Name: eventLost, Src: []string{connecting, connected, reconnecting, failed}, Dst: reconnecting},
			{Name: eventFail, Src: []string{connecting, connected, reconnecting, failed}, Dst: failed},
			{Name: eventClose, Src: allStates, Dst: disconnected},
		},
		fsm.Callbacks{},
	)
}

// PooledConnection wraps one RemoteServiceClient and its health record.
// inUse and probing are guarded by the owning pool's mutex, not by the
// connection.
type PooledConnection struct {
	id        domain.ConnectionID
	client    ports.RemoteServiceClient
	smoothing float64
	target    float64

	stateMu      sync.Mutex
	machine      *fsm.FSM
	onTransition func(c *PooledConnection, from, to domain.ConnectionState)
	onFailure    func(c *PooledConnection, err error)

	mu                sync.Mutex
	currentLatencyMs  float64
	avgLatencyMs      float64
	latencySamples    int64
	totalRequests     int64
	failedRequests    int64
	reconnectCount    int64
	lastHealthCheckAt time.Time

	// pool-owned
	inUse   bool
	probing bool
}

func newPooledConnection(client ports.RemoteServiceClient, smoothing, targetLatencyMs float64) *PooledConnection {
	return &PooledConnection{
		id:        domain.ConnectionID("conn-" + uuid.New().String()[:8]),
		client:    client,
		smoothing: smoothing,
		target:    targetLatencyMs,
		machine:   newConnectionFSM(),
	}
}

func (c *PooledConnection) ID() domain.ConnectionID {
	return c.id
}

func (c *PooledConnection) State() domain.ConnectionState {
	return domain.ParseConnectionState(c.machine.Current())
}

// Client exposes the underlying client. Calls made directly on it bypass
// request accounting; prefer Do.
func (c *PooledConnection) Client() ports.RemoteServiceClient {
	return c.client
}

// transition fires event and reports the resulting state change, if any, to
// the owner's hook after the state lock is released.
func (c *PooledConnection) transition(ctx context.Context, event string) error {
	c.stateMu.Lock()
	from := c.State()
	// A cancelled caller must not leave the machine mid-transition.
	err := c.machine.Event(context.WithoutCancel(ctx), event)
	to := c.State()
	hook := c.onTransition
	c.stateMu.Unlock()

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("connection %s: %s from %s: %w", c.id, event, from, err)
	}
	if from != to && hook != nil {
		hook(c, from, to)
	}
	return nil
}

// connect performs the initial dial. A failed dial leaves the connection in
// StateFailed and returns the classified error.
func (c *PooledConnection) connect(ctx context.Context) error {
	if err := c.transition(ctx, eventDial); err != nil {
		return err
	}
	if err := c.client.Connect(ctx); err != nil {
		_ = c.transition(ctx, eventConnectFailed)
		return err
	}
	return c.transition(ctx, eventConnected)
}

func (c *PooledConnection) markReconnecting(ctx context.Context) error {
	return c.transition(ctx, eventLost)
}

func (c *PooledConnection) markConnected(ctx context.Context) error {
	return c.transition(ctx, eventConnected)
}

func (c *PooledConnection) markFailed(ctx context.Context) error {
	return c.transition(ctx, eventFail)
}

func (c *PooledConnection) close(ctx context.Context) error {
	err := c.transition(ctx, eventClose)
	return errors.Join(err, c.client.Close())
}

// Do runs one remote call on this connection and accounts for it. Caller
// cancellation is not counted as a failed request. Transport failures are
// reported to the owning pool.
func (c *PooledConnection) Do(ctx context.Context, fn func(ctx context.Context, client ports.RemoteServiceClient) error) error {
	start := time.Now()
	err := fn(ctx, c.client)
	c.recordRequest(time.Since(start), err)

	if c.onFailure != nil && (errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrAuthentication)) {
		c.onFailure(c, err)
	}
	return err
}

func (c *PooledConnection) recordRequest(elapsed time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	if err != nil {
		c.failedRequests++
		return
	}
	c.observeLatencyLocked(elapsed)
}

// recordProbe folds a health probe into the request counters and, on
// success, into the latency average.
func (c *PooledConnection) recordProbe(elapsed time.Duration, err error, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHealthCheckAt = at
	c.totalRequests++
	if err != nil {
		c.failedRequests++
		return
	}
	c.observeLatencyLocked(elapsed)
}

func (c *PooledConnection) observeLatencyLocked(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	c.currentLatencyMs = ms
	if c.latencySamples == 0 {
		c.avgLatencyMs = ms
	} else {
		c.avgLatencyMs = c.smoothing*ms + (1-c.smoothing)*c.avgLatencyMs
	}
	c.latencySamples++
}

func (c *PooledConnection) incrementReconnectCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectCount++
}

// Metrics returns a copy of the health record with the quality score
// recomputed. A connection that is not Connected scores zero.
func (c *PooledConnection) Metrics() domain.ConnectionMetrics {
	state := c.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	m := domain.ConnectionMetrics{
		ID:                c.id,
		State:             state,
		CurrentLatencyMs:  c.currentLatencyMs,
		AvgLatencyMs:      c.avgLatencyMs,
		TotalRequests:     c.totalRequests,
		FailedRequests:    c.failedRequests,
		ReconnectCount:    c.reconnectCount,
		LastHealthCheckAt: c.lastHealthCheckAt,
	}
	if state == domain.StateConnected {
		m.QualityScore = domain.QualityScore(m.AvgLatencyMs, m.FailureRatio(), c.target)
	}
	return m
}
