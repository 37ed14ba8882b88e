package binary

import (
	"errors"
	"fmt"
)

// Domain errors for the binary protocol package.
var (
	// ErrProtocol is the parent of every framing error. A protocol error is
	// fatal to the connection it was read from.
	ErrProtocol = errors.New("binary: protocol error")

	// ErrChecksumMismatch is returned when the trailing checksum byte does not
	// match the additive sum of header and data.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrProtocol)

	// ErrVersionMismatch is returned when a frame carries an unsupported version.
	ErrVersionMismatch = fmt.Errorf("%w: unsupported protocol version", ErrProtocol)

	// ErrMessageTooLarge is returned when a payload does not fit the 16-bit length field.
	ErrMessageTooLarge = errors.New("binary: message data exceeds 65535 bytes")

	// ErrUnknownIntent is returned when a frame carries an intent that is not
	// reserved and not declared by the device registration.
	ErrUnknownIntent = errors.New("binary: unknown intent")

	// ErrNotRegistered is returned when a device message arrives before registration.
	ErrNotRegistered = errors.New("binary: device not registered")

	// ErrUnknownCommand is returned when a command name has no metadata in the registration.
	ErrUnknownCommand = errors.New("binary: command not declared by device")

	// ErrEncodingFailed is returned when a value cannot be encoded for its data type.
	ErrEncodingFailed = errors.New("binary: encoding failed")

	// ErrDecodingFailed is returned when a payload cannot be decoded.
	ErrDecodingFailed = errors.New("binary: decoding failed")

	// ErrInvalidMetadata is returned when registration parameter metadata is malformed.
	ErrInvalidMetadata = errors.New("binary: invalid parameter metadata")

	// ErrSessionClosed is returned by writes on a closed session.
	ErrSessionClosed = errors.New("binary: session closed")

	// ErrInvalidConnection is returned when a connection URL cannot be parsed.
	ErrInvalidConnection = errors.New("binary: invalid connection")
)
