package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

var errDial = fmt.Errorf("dial refused: %w", domain.ErrTransient)

func TestConnectionPool_InitializeKeepsFailedMembers(t *testing.T) {
	clients := []*fakeClient{
		{},
		{connectErr: errDial},
		{},
		{connectErr: errDial},
	}
	pool, metrics := newTestPool(t, testPoolConfig(), clients...)

	assert.Equal(t, 4, pool.Size())
	assert.Equal(t, 2, pool.HealthyCount())

	states := map[domain.ConnectionState]int{}
	for _, c := range pool.Connections() {
		states[c.State()]++
	}
	assert.Equal(t, 2, states[domain.StateConnected])
	assert.Equal(t, 2, states[domain.StateFailed])

	snap := metrics.Snapshot()
	assert.Equal(t, 4, snap.TotalConnections)
	assert.Equal(t, 2, snap.FailedConnections)
}

func TestConnectionPool_InitializeTwice(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig(), &fakeClient{})
	assert.Error(t, pool.Initialize(context.Background(), 1))
	assert.Equal(t, 1, pool.Size())
}

func TestConnectionPool_AcquireRelease(t *testing.T) {
	pool, metrics := newTestPool(t, testPoolConfig(), &fakeClient{}, &fakeClient{})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.ActiveConnections())
	assert.Equal(t, 1, pool.InUseCount())

	lease.Release()
	lease.Release()
	assert.Equal(t, 0, metrics.ActiveConnections())
	assert.Equal(t, 0, pool.InUseCount())
}

func TestConnectionPool_FirstFoundSelection(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig(), &fakeClient{connectErr: errDial}, &fakeClient{}, &fakeClient{})
	conns := pool.Connections()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, conns[1].ID(), lease.Connection().ID())
}

func TestConnectionPool_ExhaustedAfterTimeout(t *testing.T) {
	pool, metrics := newTestPool(t, testPoolConfig(), &fakeClient{})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), metrics.Snapshot().Rejections["pool_exhausted"])
}

func TestConnectionPool_AcquireWaitsForRelease(t *testing.T) {
	config := testPoolConfig()
	config.AcquireTimeout = 2 * time.Second
	pool, _ := newTestPool(t, config, &fakeClient{})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	held := lease.Connection().ID()

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
	}()

	next, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer next.Release()
	assert.Equal(t, held, next.Connection().ID())
}

func TestConnectionPool_ExclusiveLeases(t *testing.T) {
	config := testPoolConfig()
	config.AcquireTimeout = 5 * time.Second
	pool, metrics := newTestPool(t, config, &fakeClient{}, &fakeClient{}, &fakeClient{})

	var (
		mu      sync.Mutex
		holders = map[domain.ConnectionID]int{}
		dupes   int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := pool.WithConnection(context.Background(), func(ctx context.Context, c *PooledConnection) error {
					mu.Lock()
					holders[c.ID()]++
					if holders[c.ID()] > 1 {
						dupes++
					}
					mu.Unlock()

					time.Sleep(time.Millisecond)

					mu.Lock()
					holders[c.ID()]--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, dupes)
	assert.Equal(t, 0, pool.InUseCount())
	assert.Equal(t, pool.InUseCount(), metrics.ActiveConnections())
}

func TestConnectionPool_WithConnectionReleasesOnErrorAndPanic(t *testing.T) {
	pool, metrics := newTestPool(t, testPoolConfig(), &fakeClient{})
	boom := errors.New("boom")

	err := pool.WithConnection(context.Background(), func(ctx context.Context, c *PooledConnection) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, metrics.ActiveConnections())

	func() {
		defer func() { _ = recover() }()
		_ = pool.WithConnection(context.Background(), func(ctx context.Context, c *PooledConnection) error {
			panic("operation blew up")
		})
	}()
	assert.Equal(t, 0, metrics.ActiveConnections())
	assert.Equal(t, 0, pool.InUseCount())
}

func TestConnectionPool_AcquireSubmitsFailedMember(t *testing.T) {
	config := testPoolConfig()
	config.AcquireTimeout = 2 * time.Second
	client := &fakeClient{connectErrs: []error{errDial}}
	pool, metrics := newTestPool(t, config, client)
	require.Equal(t, domain.StateFailed, pool.Connections()[0].State())

	manager := NewReconnectionManager(fastPolicy(), time.Second, metrics, nil, nil)
	defer manager.Stop()
	pool.SetReconnector(manager)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	m := lease.Connection().Metrics()
	assert.Equal(t, domain.StateConnected, m.State)
	assert.Equal(t, int64(1), m.ReconnectCount)
}

func TestConnectionPool_GrowsAfterRepeatedExhaustion(t *testing.T) {
	config := testPoolConfig()
	config.AcquireTimeout = 10 * time.Millisecond
	config.GrowthThreshold = 2
	config.MaxSize = 2
	pool, _ := newTestPool(t, config, &fakeClient{})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	for i := 0; i < 2; i++ {
		_, err := pool.Acquire(context.Background())
		require.ErrorIs(t, err, domain.ErrPoolExhausted)
	}

	require.Eventually(t, func() bool { return pool.HealthyCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, pool.Size())

	// already at max size
	for i := 0; i < 4; i++ {
		if l, err := pool.Acquire(context.Background()); err == nil {
			defer l.Release()
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, pool.Size())
}

func TestConnectionPool_GrowRespectsMaxSize(t *testing.T) {
	config := testPoolConfig()
	config.MaxSize = 1
	pool, _ := newTestPool(t, config, &fakeClient{})

	_, err := pool.Grow(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, pool.Size())
}

func TestConnectionPool_DoAccountsRequests(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig(), &fakeClient{})
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ok := func(ctx context.Context, client ports.RemoteServiceClient) error { return nil }
	bad := func(ctx context.Context, client ports.RemoteServiceClient) error { return errors.New("room not found") }
	cancelled := func(ctx context.Context, client ports.RemoteServiceClient) error { return context.Canceled }

	require.NoError(t, lease.Do(context.Background(), ok))
	require.Error(t, lease.Do(context.Background(), bad))
	require.Error(t, lease.Do(context.Background(), cancelled))

	m := lease.Connection().Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.FailedRequests)
	assert.LessOrEqual(t, m.FailedRequests, m.TotalRequests)
	// an application error is not a transport failure
	assert.Equal(t, domain.StateConnected, m.State)
}

func TestConnectionPool_TransportFailuresChangeState(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig(), &fakeClient{}, &fakeClient{})
	conns := pool.Connections()

	transient := func(ctx context.Context, client ports.RemoteServiceClient) error {
		return fmt.Errorf("twirp unavailable: %w", domain.ErrTransient)
	}
	auth := func(ctx context.Context, client ports.RemoteServiceClient) error {
		return fmt.Errorf("bad api key: %w", domain.ErrAuthentication)
	}

	_ = conns[0].Do(context.Background(), transient)
	assert.Equal(t, domain.StateReconnecting, conns[0].State())

	_ = conns[1].Do(context.Background(), auth)
	assert.Equal(t, domain.StateFailed, conns[1].State())
}

func TestConnectionPool_Close(t *testing.T) {
	clients := []*fakeClient{{}, {}}
	metrics := domain.NewGlobalMetrics()
	pool := NewConnectionPool(factoryFor(clients...), testPoolConfig(), metrics, nil)
	require.NoError(t, pool.Initialize(context.Background(), 2))

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Close(context.Background()))
	require.NoError(t, pool.Close(context.Background()))

	assert.Equal(t, 0, metrics.ActiveConnections())
	lease.Release()
	assert.Equal(t, 0, metrics.ActiveConnections())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrShutdown)

	for i, c := range pool.Connections() {
		assert.Equal(t, domain.StateDisconnected, c.State())
		assert.True(t, clients[i].isClosed())
	}
}

func TestConnectionPool_WaitIdle(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig(), &fakeClient{})
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.WaitIdle(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		lease.Release()
	}()
	assert.NoError(t, pool.WaitIdle(context.Background()))
}

func TestPooledConnection_LatencyEMA(t *testing.T) {
	c := newPooledConnection(&fakeClient{}, 0.5, 50)

	c.recordProbe(100*time.Millisecond, nil, time.Now())
	assert.InDelta(t, 100, c.Metrics().AvgLatencyMs, 0.001)

	c.recordProbe(50*time.Millisecond, nil, time.Now())
	m := c.Metrics()
	assert.InDelta(t, 75, m.AvgLatencyMs, 0.001)
	assert.InDelta(t, 50, m.CurrentLatencyMs, 0.001)

	c.recordProbe(0, errors.New("timeout"), time.Now())
	m = c.Metrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(1), m.FailedRequests)
	assert.InDelta(t, 75, m.AvgLatencyMs, 0.001)
}

func TestPooledConnection_QualityScoreOnlyWhenConnected(t *testing.T) {
	c := newPooledConnection(&fakeClient{}, 0.2, 50)
	assert.Equal(t, 0.0, c.Metrics().QualityScore)

	require.NoError(t, c.connect(context.Background()))
	assert.Equal(t, 1.0, c.Metrics().QualityScore)
}

func TestPooledConnection_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	c := newPooledConnection(&fakeClient{}, 0.2, 50)
	assert.Error(t, c.markConnected(ctx))
	assert.Equal(t, domain.StateDisconnected, c.State())

	require.NoError(t, c.connect(ctx))
	require.NoError(t, c.markFailed(ctx))
	// firing into the current state is not an error
	assert.NoError(t, c.markFailed(ctx))
	assert.Equal(t, domain.StateFailed, c.State())
}

func TestConnectionPool_CloseClosesEveryClient(t *testing.T) {
	errClose := errors.New("close failed")
	clients := []*fakeClient{{closeErr: errClose}, {}}
	pool := NewConnectionPool(factoryFor(clients...), testPoolConfig(), domain.NewGlobalMetrics(), nil)
	require.NoError(t, pool.Initialize(context.Background(), 2))

	assert.ErrorIs(t, pool.Close(context.Background()), errClose)
	for i, c := range pool.Connections() {
		assert.Equal(t, domain.StateDisconnected, c.State())
		assert.True(t, clients[i].isClosed())
	}
}

func TestPooledConnection_TransitionIgnoresCallerCancellation(t *testing.T) {
	client := &fakeClient{}
	c := newPooledConnection(client, 0.2, 50)
	require.NoError(t, c.connect(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.markReconnecting(cancelled))
	require.NoError(t, c.markConnected(context.Background()))

	require.NoError(t, c.close(context.Background()))
	assert.True(t, client.isClosed())
}

func TestConnectionPool_SpansCarryPoolSize(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	cfg := testPoolConfig()
	cfg.MaxSize = 3
	pool, _ := newTestPool(t, cfg, &fakeClient{})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	_, err = pool.Grow(context.Background())
	require.NoError(t, err)

	sizes := map[string]int64{}
	for _, s := range recorder.Ended() {
		for _, kv := range s.Attributes() {
			if kv.Key == tracing.PoolSizeKey {
				sizes[s.Name()] = kv.Value.AsInt64()
			}
		}
	}
	assert.Equal(t, int64(1), sizes["pool.acquire"])
	assert.Equal(t, int64(2), sizes["pool.grow"])
}
