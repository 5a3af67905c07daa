package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/retry"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu sync.Mutex

	connectErrs []error // consumed in order before connectErr applies
	connectErr  error
	pingErr     error
	pingDelay   time.Duration
	createErr   error
	deleteErr   error
	closeErr    error

	remoteRooms  []*domain.Room
	participants map[string][]*domain.Participant

	connectCalls int
	pingCalls    int
	created      []string
	deleted      []string
	closed       bool
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return f.connectErr
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pingCalls++
	delay, err := f.pingDelay, f.pingErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeClient) CreateRoom(ctx context.Context, name, metadata string) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, name)
	return &domain.Room{SID: "RM_" + name, Name: name, Metadata: metadata, CreatedAt: time.Now()}, nil
}

func (f *fakeClient) DeleteRoom(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeClient) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteRooms, nil
}

func (f *fakeClient) ListParticipants(ctx context.Context, room string) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[room], nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeClient) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeClient) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCalls
}

func (f *fakeClient) createdRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeClient) deletedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// factoryFor hands out the given clients in order, then healthy ones.
func factoryFor(clients ...*fakeClient) ports.ClientFactory {
	var mu sync.Mutex
	next := 0
	return func() (ports.RemoteServiceClient, error) {
		mu.Lock()
		defer mu.Unlock()
		if next < len(clients) {
			c := clients[next]
			next++
			return c, nil
		}
		return &fakeClient{}, nil
	}
}

// mockClient is used where call arguments matter.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) CreateRoom(ctx context.Context, name, metadata string) (*domain.Room, error) {
	args := m.Called(ctx, name, metadata)
	room, _ := args.Get(0).(*domain.Room)
	return room, args.Error(1)
}

func (m *mockClient) DeleteRoom(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockClient) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]*domain.Room)
	return rooms, args.Error(1)
}

func (m *mockClient) ListParticipants(ctx context.Context, room string) ([]*domain.Participant, error) {
	args := m.Called(ctx, room)
	participants, _ := args.Get(0).([]*domain.Participant)
	return participants, args.Error(1)
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

type captureEvents struct {
	mu     sync.Mutex
	events []*domain.RoomEvent
}

func (c *captureEvents) Publish(ctx context.Context, event *domain.RoomEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []domain.RoomEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RoomEventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryStats struct {
	mu    sync.Mutex
	saved []*domain.PerformanceStats
}

func (s *memoryStats) Save(ctx context.Context, stats *domain.PerformanceStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, stats)
	return nil
}

func (s *memoryStats) Latest(ctx context.Context) (*domain.PerformanceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil, nil
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *memoryStats) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func fastPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:    3,
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0.1,
	}
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:          8,
		AcquireTimeout:   100 * time.Millisecond,
		GrowthThreshold:  100,
		LatencySmoothing: 0.2,
		TargetLatencyMs:  50,
		ConnectTimeout:   time.Second,
	}
}

// newTestPool initializes a pool of len(clients) members with no reconnector.
func newTestPool(t *testing.T, config PoolConfig, clients ...*fakeClient) (*ConnectionPool, *domain.GlobalMetrics) {
	t.Helper()
	metrics := domain.NewGlobalMetrics()
	pool := NewConnectionPool(factoryFor(clients...), config, metrics, nil)
	require.NoError(t, pool.Initialize(context.Background(), len(clients)))
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool, metrics
}

func testOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		PoolSize:       2,
		Pool:           testPoolConfig(),
		Reconnect:      fastPolicy(),
		RequestTimeout: time.Second,
		Limits: domain.RoomLimits{
			MaxConcurrentRooms:     3,
			MaxParticipantsPerRoom: 5,
			MaxAudioTracksPerRoom:  5,
			MaxVideoTracksPerRoom:  1,
		},
		Audio:               domain.DefaultAudioOptimizationConfig(),
		EmptyRoomGrace:      time.Minute,
		CleanupInterval:     time.Hour,
		HealthCheckInterval: time.Hour,
		ProbeTimeout:        100 * time.Millisecond,
		MetricsInterval:     time.Hour,
		DrainTimeout:        time.Second,
	}
}
