package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/circuitbreaker"
	"roomlink/pkg/logger"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"
)

var errClosed = errors.New("livekit client closed")

// roomAPI is the subset of *lksdk.RoomServiceClient the adapter uses.
type roomAPI interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
}

type Config struct {
	URL            string
	APIKey         string
	APISecret      string
	CircuitBreaker circuitbreaker.Config
	// Applied to rooms created through the adapter. Zero leaves the server
	// default in place.
	EmptyTimeout    time.Duration
	MaxParticipants int
}

// Client adapts the LiveKit room service API to ports.RemoteServiceClient.
// Every call goes through a per-client circuit breaker, and errors are
// classified as domain.ErrTransient or domain.ErrAuthentication.
type Client struct {
	api     roomAPI
	config  Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	ctxLog  *logger.ContextLogger
	closed  atomic.Bool
}

func newClient(api roomAPI, config Config, log *zap.SugaredLogger) *Client {
	c := &Client{
		api:     api,
		config:  config,
		breaker: circuitbreaker.New(config.CircuitBreaker),
		logger:  logger.OrNop(log),
	}
	c.ctxLog = logger.NewContextLogger(c.logger.Desugar())
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Infow("LiveKit circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return c
}

// NewClient builds an adapter talking to config.URL.
func NewClient(config Config, log *zap.SugaredLogger) *Client {
	api := lksdk.NewRoomServiceClient(config.URL, config.APIKey, config.APISecret)
	return newClient(api, config, log)
}

// NewClientFactory returns a factory producing one independent client per
// pooled connection.
func NewClientFactory(config Config, log *zap.SugaredLogger) ports.ClientFactory {
	return func() (ports.RemoteServiceClient, error) {
		return NewClient(config, log), nil
	}
}

// Connect validates the endpoint and credentials with a cheap authenticated
// call. The room service API is stateless so there is no session to open.
func (c *Client) Connect(ctx context.Context) error {
	return c.Ping(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "list rooms", func(ctx context.Context) error {
		_, err := c.api.ListRooms(ctx, &livekit.ListRoomsRequest{})
		return err
	})
}

func (c *Client) CreateRoom(ctx context.Context, name, metadata string) (*domain.Room, error) {
	req := &livekit.CreateRoomRequest{
		Name:     name,
		Metadata: metadata,
	}
	if c.config.EmptyTimeout > 0 {
		req.EmptyTimeout = uint32(c.config.EmptyTimeout / time.Second)
	}
	if c.config.MaxParticipants > 0 {
		req.MaxParticipants = uint32(c.config.MaxParticipants)
	}

	var room *livekit.Room
	err := c.call(ctx, "create room", func(ctx context.Context) error {
		var err error
		room, err = c.api.CreateRoom(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toDomainRoom(room), nil
}

// DeleteRoom treats a room the server no longer knows as deleted.
func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	err := c.call(ctx, "delete room", func(ctx context.Context) error {
		_, err := c.api.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
		return err
	})
	if isNotFound(err) {
		c.logger.Debugw("Room already gone on server", "room", name)
		return nil
	}
	return err
}

func (c *Client) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	var resp *livekit.ListRoomsResponse
	err := c.call(ctx, "list rooms", func(ctx context.Context) error {
		var err error
		resp, err = c.api.ListRooms(ctx, &livekit.ListRoomsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}

	rooms := make([]*domain.Room, 0, len(resp.GetRooms()))
	for _, r := range resp.GetRooms() {
		rooms = append(rooms, toDomainRoom(r))
	}
	return rooms, nil
}

func (c *Client) ListParticipants(ctx context.Context, room string) ([]*domain.Participant, error) {
	var resp *livekit.ListParticipantsResponse
	err := c.call(ctx, "list participants", func(ctx context.Context) error {
		var err error
		resp, err = c.api.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
		return err
	})
	if err != nil {
		return nil, err
	}

	participants := make([]*domain.Participant, 0, len(resp.GetParticipants()))
	for _, p := range resp.GetParticipants() {
		participants = append(participants, toDomainParticipant(p))
	}
	return participants, nil
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// call runs fn through the breaker. Only transient failures count against
// the breaker; client errors such as NotFound do not.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return fmt.Errorf("livekit %s: %w", op, errClosed)
	}

	var callErr error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if raw := fn(ctx); raw != nil {
			callErr = classify(op, raw)
			if errors.Is(callErr, domain.ErrTransient) {
				return callErr
			}
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: livekit %s: %w", domain.ErrTransient, op, err)
	}
	if errors.Is(callErr, domain.ErrTransient) || errors.Is(callErr, domain.ErrAuthentication) {
		c.ctxLog.LogError(ctx, callErr, "LiveKit call failed", zap.String("op", op))
	}
	return callErr
}

func toDomainRoom(r *livekit.Room) *domain.Room {
	if r == nil {
		return nil
	}
	room := &domain.Room{
		SID:             r.GetSid(),
		Name:            r.GetName(),
		Metadata:        r.GetMetadata(),
		NumParticipants: int(r.GetNumParticipants()),
		MaxParticipants: int(r.GetMaxParticipants()),
	}
	if ts := r.GetCreationTime(); ts > 0 {
		room.CreatedAt = time.Unix(ts, 0)
	}
	return room
}

func toDomainParticipant(p *livekit.ParticipantInfo) *domain.Participant {
	participant := &domain.Participant{
		SID:      p.GetSid(),
		Identity: p.GetIdentity(),
	}
	if ts := p.GetJoinedAt(); ts > 0 {
		participant.JoinedAt = time.Unix(ts, 0)
	}
	for _, t := range p.GetTracks() {
		switch t.GetType() {
		case livekit.TrackType_AUDIO:
			participant.Tracks = append(participant.Tracks, domain.TrackAudio)
		case livekit.TrackType_VIDEO:
			participant.Tracks = append(participant.Tracks, domain.TrackVideo)
		}
	}
	return participant
}
