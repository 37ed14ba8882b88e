package binary

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame signature and header layout.
const (
	signature1 byte = 0xC5
	signature2 byte = 0xC3

	// ProtocolVersion is the only frame version this package reads or writes.
	ProtocolVersion byte = 1

	// headerSize covers signature(2) + version(1) + flags(1) + length(2) + intent(2).
	headerSize = 8

	// MaxDataLength is the largest payload the 16-bit length field can describe.
	MaxDataLength = 0xFFFF
)

// Reserved intents.
const (
	// IntentRequestRegistration asks the device to (re)send its registration.
	IntentRequestRegistration uint16 = 0

	// IntentRegister carries a binary-encoded Registration.
	IntentRegister uint16 = 1

	// IntentNotifyCommandResult carries command id, status and result.
	IntentNotifyCommandResult uint16 = 2

	// IntentRegister2 carries a Registration as a JSON document.
	IntentRegister2 uint16 = 3

	// FirstUserIntent is the lowest intent a device may assign to its own
	// notifications and commands.
	FirstUserIntent uint16 = 256
)

// Message is one frame of the binary protocol.
type Message struct {
	Version byte
	Flags   byte
	Intent  uint16
	Data    []byte
}

// NewMessage creates a message with the current protocol version and no flags.
func NewMessage(intent uint16, data []byte) *Message {
	return &Message{
		Version: ProtocolVersion,
		Intent:  intent,
		Data:    data,
	}
}

// header builds the 8-byte frame header for m.
func (m *Message) header() []byte {
	h := make([]byte, headerSize, headerSize+len(m.Data))
	h[0] = signature1
	h[1] = signature2
	h[2] = m.Version
	h[3] = m.Flags
	binary.LittleEndian.PutUint16(h[4:6], uint16(len(m.Data))) //nolint:gosec // length checked by caller
	binary.LittleEndian.PutUint16(h[6:8], m.Intent)
	return h
}

// checksum is the additive sum of all bytes mod 256.
func checksum(parts ...[]byte) byte {
	var sum byte
	for _, p := range parts {
		for _, b := range p {
			sum += b
		}
	}
	return sum
}

// WriteMessage writes m to w as a complete frame.
//
// The header and data are written in one call and the checksum in a second,
// so a short write is always detected before the checksum is sent.
//
// Parameters:
//   - w: Destination stream (serial port, TCP connection, buffer)
//   - m: Message to write; a zero Version is replaced by ProtocolVersion
//
// Returns:
//   - error: ErrMessageTooLarge, or the underlying write error
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Data) > MaxDataLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(m.Data))
	}
	if m.Version == 0 {
		m.Version = ProtocolVersion
	}

	frame := append(m.header(), m.Data...)
	sum := checksum(frame)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := w.Write([]byte{sum}); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

// ReadMessage reads the next frame from r.
//
// Bytes preceding the signature are discarded one at a time until the
// signature is aligned at the start of the header window. The checksum is
// verified before the version so that any corruption of the header or data
// surfaces as ErrChecksumMismatch.
//
// Parameters:
//   - r: Source stream
//
// Returns:
//   - *Message: Decoded frame
//   - error: ErrChecksumMismatch, ErrVersionMismatch (both wrap ErrProtocol),
//     or the underlying read error (io.EOF, io.ErrUnexpectedEOF)
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	for hdr[0] != signature1 || hdr[1] != signature2 {
		copy(hdr[:], hdr[1:])
		if _, err := io.ReadFull(r, hdr[headerSize-1:]); err != nil {
			return nil, err
		}
	}

	length := binary.LittleEndian.Uint16(hdr[4:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", noEOF(err))
	}

	var sum [1]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, fmt.Errorf("read checksum: %w", noEOF(err))
	}

	if want := checksum(hdr[:], data); want != sum[0] {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksumMismatch, sum[0], want)
	}
	if hdr[2] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, hdr[2])
	}

	return &Message{
		Version: hdr[2],
		Flags:   hdr[3],
		Intent:  binary.LittleEndian.Uint16(hdr[6:8]),
		Data:    data,
	}, nil
}

// noEOF turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
