package domain

import "errors"

// Rejections and failures surfaced by the public optimizer API.
var (
	ErrPoolExhausted            = errors.New("connection pool exhausted")
	ErrRoomLimitExceeded        = errors.New("room limit exceeded")
	ErrParticipantLimitExceeded = errors.New("participant limit exceeded")
	ErrTrackLimitExceeded       = errors.New("track limit exceeded")
	ErrConnectionFailed         = errors.New("connection failed")
	ErrRoomNotFound             = errors.New("room not found")
	ErrRoomExists               = errors.New("room already active")
	ErrShutdown                 = errors.New("optimizer is shut down")
	ErrInvalidConfig            = errors.New("invalid configuration")
	ErrReconnectInProgress      = errors.New("reconnection already in progress")
)

// Transport classification. Adapters wrap remote errors with one of these so
// the core can decide between retrying and giving up.
var (
	ErrTransient      = errors.New("transient remote error")
	ErrAuthentication = errors.New("remote authentication failed")
)

// IsFatal reports whether err must not be retried on the same connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
