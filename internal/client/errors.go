package client

import "errors"

// Domain errors for the client package.
var (
	// ErrChannelOpen is returned by SetAvailableChannels while a channel is open.
	ErrChannelOpen = errors.New("client: a channel is already open")

	// ErrNoChannels is returned by SetAvailableChannels for an empty list.
	ErrNoChannels = errors.New("client: no channels given")
)
