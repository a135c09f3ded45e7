package relay

import "errors"

var (
	// ErrChannelMismatch is returned when a session is added to a channel
	// other than the one its key names.
	ErrChannelMismatch = errors.New("session does not belong to this channel")

	// ErrDuplicateSession is returned by Admit when the session id is
	// already registered on the channel.
	ErrDuplicateSession = errors.New("session already registered on channel")

	// ErrCapacityExceeded is returned by Admit when the channel is full.
	ErrCapacityExceeded = errors.New("channel client limit reached")

	// ErrChannelClosed is returned once a channel has been retired from the
	// registry or disposed.
	ErrChannelClosed = errors.New("channel closed")
)
