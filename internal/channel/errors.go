package channel

import (
	"errors"
	"fmt"
)

// Domain errors for the channel package.
var (
	// ErrNotActive is returned by operations that need a Connected channel.
	ErrNotActive = errors.New("channel: not active")

	// ErrAlreadyOpen is returned by Open on a channel that is not Disconnected.
	ErrAlreadyOpen = errors.New("channel: already open")

	// ErrUnsupported is returned when the server does not offer the transport.
	ErrUnsupported = errors.New("channel: transport not supported by server")

	// ErrNoChannel is returned when no available channel can connect.
	ErrNoChannel = errors.New("channel: no usable channel")

	// ErrClosed is returned to waiters released by Close.
	ErrClosed = errors.New("channel: closed")

	// ErrTimeout is returned when the server does not answer a request in time.
	ErrTimeout = errors.New("channel: timed out waiting for server response")

	// ErrConnectionClosed is returned to requests pending when the socket closes.
	ErrConnectionClosed = errors.New("channel: connection closed")

	// ErrAuthentication is returned when the server rejects the credentials.
	ErrAuthentication = errors.New("channel: authentication failed")

	// ErrDeviceRequired is returned when a device guid is empty.
	ErrDeviceRequired = errors.New("channel: device guid is required")

	// ErrInvalidArgument is returned for nil messages, missing ids or callbacks.
	ErrInvalidArgument = errors.New("channel: invalid argument")
)

// ServerError is an error reported by the hub, either as an HTTP error
// status or as an error envelope.
type ServerError struct {
	// StatusCode is the HTTP status, or 0 for WebSocket errors.
	StatusCode int

	// Code is the machine-readable error code, when the server sent one.
	Code string

	// Message is the human-readable message.
	Message string
}

func (e *ServerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
	}
	return "server error: " + e.Message
}

func validateDevice(deviceGUID string) error {
	if deviceGUID == "" {
		return ErrDeviceRequired
	}
	return nil
}
