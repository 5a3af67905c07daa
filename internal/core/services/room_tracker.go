package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/logger"
	"roomlink/pkg/tracing"
	"roomlink/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lease-scoped access to the remote service, satisfied by ConnectionPool.
type connectionRunner interface {
	WithConnection(ctx context.Context, fn func(ctx context.Context, c *PooledConnection) error) error
}

// RoomLifecycleTracker gates room, participant and track admission against
// RoomLimits and remembers which rooms are active.
//
// A room being created holds a reservation that counts toward
// MaxConcurrentRooms, so the limit check and the slot it claims are one
// critical section while the remote call runs outside the lock.
type RoomLifecycleTracker struct {
	limits   domain.RoomLimits
	audio    domain.AudioOptimizationConfig
	grace    time.Duration
	runner   connectionRunner
	metrics  *domain.GlobalMetrics
	recorder ports.MetricsRecorder
	events   ports.RoomEventPublisher
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu      sync.Mutex
	rooms   map[string]*domain.ActiveRoomRecord
	pending map[string]struct{}
}

func NewRoomLifecycleTracker(
	limits domain.RoomLimits,
	audio domain.AudioOptimizationConfig,
	emptyRoomGrace time.Duration,
	runner connectionRunner,
	metrics *domain.GlobalMetrics,
	recorder ports.MetricsRecorder,
	events ports.RoomEventPublisher,
	logger *zap.SugaredLogger,
) *RoomLifecycleTracker {
	return &RoomLifecycleTracker{
		limits:   limits,
		audio:    audio,
		grace:    emptyRoomGrace,
		runner:   runner,
		metrics:  metrics,
		recorder: recorderOrNop(recorder),
		events:   events,
		logger:   loggerOrNop(logger),
		now:      time.Now,
		rooms:    make(map[string]*domain.ActiveRoomRecord),
		pending:  make(map[string]struct{}),
	}
}

// CreateOptimizedRoom creates name on the remote service with the audio and
// limit sections merged into extra. It fails with ErrRoomLimitExceeded
// without contacting the remote service when the concurrent room limit is
// reached.
func (t *RoomLifecycleTracker) CreateOptimizedRoom(ctx context.Context, name string, extra map[string]any) (*domain.Room, error) {
	ctx = logger.WithRoom(ctx, name)
	ctx, span := tracing.TraceRoomOperation(ctx, "create", name)
	defer span.End()

	if err := validation.ValidateRoomName(name); err != nil {
		return nil, err
	}
	metadata, err := domain.BuildRoomMetadata(t.audio, t.limits, extra)
	if err != nil {
		return nil, err
	}

	if err := t.reserve(name); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	var room *domain.Room
	err = t.runner.WithConnection(ctx, func(ctx context.Context, c *PooledConnection) error {
		return c.Do(ctx, func(ctx context.Context, client ports.RemoteServiceClient) error {
			var err error
			room, err = client.CreateRoom(ctx, name, string(metadata))
			return err
		})
	})

	t.mu.Lock()
	delete(t.pending, name)
	if err == nil {
		t.rooms[name] = &domain.ActiveRoomRecord{
			Name:       name,
			CreatedAt:  t.now(),
			EmptySince: t.now(),
		}
	}
	active := len(t.rooms)
	t.mu.Unlock()

	if err != nil {
		err = classifyRemoteError("create room", name, err)
		tracing.RecordError(ctx, err)
		t.logger.Warnw("Room creation failed",
			"room", name,
			"error", err,
		)
		return nil, err
	}

	t.metrics.RecordRoomCreated()
	t.recorder.RecordRoomCreated()
	t.recorder.RecordActiveRooms(active)
	t.publish(ctx, domain.EventRoomCreated, name)
	t.logger.Infow("Room created",
		"room", name,
		"active_rooms", active,
	)
	return room, nil
}

func (t *RoomLifecycleTracker) reserve(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rooms[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomExists, name)
	}
	if _, ok := t.pending[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomExists, name)
	}
	if len(t.rooms)+len(t.pending) >= t.limits.MaxConcurrentRooms {
		t.reject("room_limit")
		return fmt.Errorf("%w: %d rooms active", domain.ErrRoomLimitExceeded, t.limits.MaxConcurrentRooms)
	}
	t.pending[name] = struct{}{}
	return nil
}

func (t *RoomLifecycleTracker) reject(reason string) {
	t.metrics.RecordRejection(reason)
	t.recorder.RecordRejection(reason)
}

// AddParticipant admits one more participant into room. The join handshake
// itself happens elsewhere; this only gates capacity.
func (t *RoomLifecycleTracker) AddParticipant(room, participantID string) error {
	if err := validation.ValidateParticipantIdentity(participantID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
	}
	if rec.ParticipantCount >= t.limits.MaxParticipantsPerRoom {
		t.reject("participant_limit")
		return fmt.Errorf("%w: room %s has %d participants", domain.ErrParticipantLimitExceeded, room, rec.ParticipantCount)
	}
	rec.ParticipantCount++
	rec.EmptySince = time.Time{}
	t.logger.Debugw("Participant admitted",
		"room", room,
		"participant", participantID,
		"participants", rec.ParticipantCount,
	)
	return nil
}

// RemoveParticipant releases one participant slot. The room starts its
// empty grace period when the count reaches zero.
func (t *RoomLifecycleTracker) RemoveParticipant(room, participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
	}
	if rec.ParticipantCount > 0 {
		rec.ParticipantCount--
	}
	if rec.ParticipantCount == 0 && rec.EmptySince.IsZero() {
		rec.EmptySince = t.now()
	}
	t.logger.Debugw("Participant removed",
		"room", room,
		"participant", participantID,
		"participants", rec.ParticipantCount,
	)
	return nil
}

func (t *RoomLifecycleTracker) AddTrack(room string, kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
	}

	switch kind {
	case domain.TrackAudio:
		if rec.AudioTrackCount >= t.limits.MaxAudioTracksPerRoom {
			t.reject("audio_track_limit")
			return fmt.Errorf("%w: room %s has %d audio tracks", domain.ErrTrackLimitExceeded, room, rec.AudioTrackCount)
		}
		rec.AudioTrackCount++
	case domain.TrackVideo:
		if rec.VideoTrackCount >= t.limits.MaxVideoTracksPerRoom {
			t.reject("video_track_limit")
			return fmt.Errorf("%w: room %s has %d video tracks", domain.ErrTrackLimitExceeded, room, rec.VideoTrackCount)
		}
		rec.VideoTrackCount++
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	return nil
}

func (t *RoomLifecycleTracker) RemoveTrack(room string, kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
	}

	switch kind {
	case domain.TrackAudio:
		if rec.AudioTrackCount > 0 {
			rec.AudioTrackCount--
		}
	case domain.TrackVideo:
		if rec.VideoTrackCount > 0 {
			rec.VideoTrackCount--
		}
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	return nil
}

// DeleteRoom forgets the room and deletes it remotely. The local record is
// removed even if the remote call fails.
func (t *RoomLifecycleTracker) DeleteRoom(ctx context.Context, name string) error {
	ctx = logger.WithRoom(ctx, name)
	ctx, span := tracing.TraceRoomOperation(ctx, "delete", name)
	defer span.End()

	t.mu.Lock()
	if _, ok := t.rooms[name]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, name)
	}
	delete(t.rooms, name)
	active := len(t.rooms)
	t.mu.Unlock()

	t.recorder.RecordRoomDeleted("explicit")
	t.recorder.RecordActiveRooms(active)
	t.publish(ctx, domain.EventRoomDeleted, name)

	if err := t.deleteRemote(ctx, name); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	t.logger.Infow("Room deleted", "room", name)
	return nil
}

func (t *RoomLifecycleTracker) deleteRemote(ctx context.Context, name string) error {
	err := t.runner.WithConnection(ctx, func(ctx context.Context, c *PooledConnection) error {
		return c.Do(ctx, func(ctx context.Context, client ports.RemoteServiceClient) error {
			return client.DeleteRoom(ctx, name)
		})
	})
	if err != nil {
		return classifyRemoteError("delete room", name, err)
	}
	return nil
}

// Sweep removes rooms that have been empty for longer than the grace period
// and deletes them remotely, best effort. It returns the removed names.
func (t *RoomLifecycleTracker) Sweep(ctx context.Context) []string {
	now := t.now()

	t.mu.Lock()
	var stale []string
	for name, rec := range t.rooms {
		if rec.ParticipantCount == 0 && !rec.EmptySince.IsZero() && now.Sub(rec.EmptySince) > t.grace {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		delete(t.rooms, name)
	}
	active := len(t.rooms)
	t.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)

	for _, name := range stale {
		t.recorder.RecordRoomDeleted("swept")
		t.publish(ctx, domain.EventRoomSwept, name)
		if err := t.deleteRemote(ctx, name); err != nil {
			t.logger.Warnw("Failed to delete swept room",
				"room", name,
				"error", err,
			)
		}
	}
	t.recorder.RecordActiveRooms(active)
	t.logger.Infow("Swept empty rooms",
		"rooms", stale,
		"active_rooms", active,
	)
	return stale
}

// SyncRoom refreshes a room's participant and track counts from the remote
// participant list.
func (t *RoomLifecycleTracker) SyncRoom(ctx context.Context, name string) error {
	ctx = logger.WithRoom(ctx, name)
	ctx, span := tracing.TraceRoomOperation(ctx, "sync", name)
	defer span.End()

	if _, ok := t.Get(name); !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, name)
	}

	var participants []*domain.Participant
	err := t.runner.WithConnection(ctx, func(ctx context.Context, c *PooledConnection) error {
		return c.Do(ctx, func(ctx context.Context, client ports.RemoteServiceClient) error {
			var err error
			participants, err = client.ListParticipants(ctx, name)
			return err
		})
	})
	if err != nil {
		return classifyRemoteError("list participants", name, err)
	}

	audio, video := 0, 0
	for _, p := range participants {
		a, v := p.TrackCounts()
		audio += a
		video += v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, name)
	}
	rec.ParticipantCount = len(participants)
	rec.AudioTrackCount = audio
	rec.VideoTrackCount = video
	switch {
	case rec.ParticipantCount > 0:
		rec.EmptySince = time.Time{}
	case rec.EmptySince.IsZero():
		rec.EmptySince = t.now()
	}
	return nil
}

// Reconcile drops records for rooms the remote service no longer reports.
func (t *RoomLifecycleTracker) Reconcile(ctx context.Context) ([]string, error) {
	var remote []*domain.Room
	err := t.runner.WithConnection(ctx, func(ctx context.Context, c *PooledConnection) error {
		return c.Do(ctx, func(ctx context.Context, client ports.RemoteServiceClient) error {
			var err error
			remote, err = client.ListRooms(ctx)
			return err
		})
	})
	if err != nil {
		return nil, classifyRemoteError("list rooms", "", err)
	}

	present := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		present[r.Name] = struct{}{}
	}

	t.mu.Lock()
	var dropped []string
	for name := range t.rooms {
		if _, ok := present[name]; !ok {
			dropped = append(dropped, name)
			delete(t.rooms, name)
		}
	}
	active := len(t.rooms)
	t.mu.Unlock()

	sort.Strings(dropped)
	for range dropped {
		t.recorder.RecordRoomDeleted("reconciled")
	}
	if len(dropped) > 0 {
		t.recorder.RecordActiveRooms(active)
		t.logger.Infow("Dropped rooms missing on remote", "rooms", dropped)
	}
	return dropped, nil
}

// Get returns a copy of the record for name.
func (t *RoomLifecycleTracker) Get(name string) (domain.ActiveRoomRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.rooms[name]
	if !ok {
		return domain.ActiveRoomRecord{}, false
	}
	return *rec, true
}

func (t *RoomLifecycleTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// Snapshot returns copies of all active records ordered by name.
func (t *RoomLifecycleTracker) Snapshot() []domain.ActiveRoomRecord {
	t.mu.Lock()
	out := make([]domain.ActiveRoomRecord, 0, len(t.rooms))
	for _, rec := range t.rooms {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *RoomLifecycleTracker) Metrics() domain.RoomMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := domain.RoomMetrics{ActiveRooms: len(t.rooms)}
	for _, rec := range t.rooms {
		m.TotalParticipants += rec.ParticipantCount
		m.AudioTracks += rec.AudioTrackCount
		m.VideoTracks += rec.VideoTrackCount
	}
	return m
}

func (t *RoomLifecycleTracker) publish(ctx context.Context, eventType domain.RoomEventType, room string) {
	if t.events == nil {
		return
	}
	event := &domain.RoomEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Room:      room,
		Timestamp: t.now(),
	}
	if err := t.events.Publish(ctx, event); err != nil {
		t.logger.Warnw("Failed to publish room event",
			"type", eventType,
			"room", room,
			"error", err,
		)
	}
}

// classifyRemoteError keeps pool and shutdown errors as they are and folds
// everything else into ErrConnectionFailed without exposing the transport
// error type.
func classifyRemoteError(op, room string, err error) error {
	switch {
	case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrShutdown):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %s: %w", domain.ErrConnectionFailed, op, room, err)
	default:
		return fmt.Errorf("%w: %s %s: %v", domain.ErrConnectionFailed, op, room, err)
	}
}
