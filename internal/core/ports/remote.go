package ports

import (
	"context"

	"roomlink/internal/core/domain"
)

// RemoteServiceClient is the capability-limited view of the media service the
// pool hands out. Implementations wrap transport failures with
// domain.ErrTransient or domain.ErrAuthentication.
type RemoteServiceClient interface {
	// Connect establishes (or re-establishes) the session and validates
	// credentials.
	Connect(ctx context.Context) error
	// Ping is a cheap round trip used by health checks.
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, name string, metadata string) (*domain.Room, error)
	DeleteRoom(ctx context.Context, name string) error
	ListRooms(ctx context.Context) ([]*domain.Room, error)
	ListParticipants(ctx context.Context, room string) ([]*domain.Participant, error)
	Close() error
}

// ClientFactory builds one client per pooled connection.
type ClientFactory func() (RemoteServiceClient, error)
