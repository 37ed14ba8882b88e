package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrNetworkNotFound is returned when a network does not exist.
	ErrNetworkNotFound = errors.New("device: network not found")

	// ErrCommandNotFound is returned when a command ID does not exist for a device.
	ErrCommandNotFound = errors.New("device: command not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidMessage is returned when a notification or command fails validation.
	ErrInvalidMessage = errors.New("device: invalid message")

	// ErrKeyMismatch is returned when a device key does not match the stored key.
	ErrKeyMismatch = errors.New("device: key mismatch")

	// ErrNetworkKeyMismatch is returned when a network key does not match.
	ErrNetworkKeyMismatch = errors.New("device: network key mismatch")
)
