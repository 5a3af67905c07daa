package livekit

import (
	"context"
	"errors"
	"fmt"

	"roomlink/internal/core/domain"

	"github.com/twitchtv/twirp"
)

// classify maps a room service error onto the domain's transport classes.
//
//	Unauthenticated, PermissionDenied      -> ErrAuthentication
//	request errors (NotFound, ...)         -> unclassified
//	anything else, including network I/O  -> ErrTransient
//
// Caller cancellation is left unclassified so it is neither retried nor
// counted as a connection failure.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("livekit %s: %w", op, err)
	}

	var terr twirp.Error
	if !errors.As(err, &terr) {
		return fmt.Errorf("%w: livekit %s: %w", domain.ErrTransient, op, err)
	}

	switch terr.Code() {
	case twirp.Unauthenticated, twirp.PermissionDenied:
		return fmt.Errorf("%w: livekit %s: %s", domain.ErrAuthentication, op, terr.Msg())
	case twirp.NotFound, twirp.InvalidArgument, twirp.AlreadyExists,
		twirp.FailedPrecondition, twirp.OutOfRange, twirp.Malformed, twirp.BadRoute:
		return fmt.Errorf("livekit %s: %w", op, err)
	default:
		return fmt.Errorf("%w: livekit %s: %s: %s", domain.ErrTransient, op, terr.Code(), terr.Msg())
	}
}

func isNotFound(err error) bool {
	var terr twirp.Error
	return errors.As(err, &terr) && terr.Code() == twirp.NotFound
}
