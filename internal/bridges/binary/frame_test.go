package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func encodeFrame(t *testing.T, m *Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	return buf.Bytes()
}

func TestWriteMessageLayout(t *testing.T) {
	got := encodeFrame(t, NewMessage(0x0102, []byte{0xAA}))
	// C5 C3 | v1 | flags 0 | len 0x0001 LE | intent 0x0102 LE | AA | sum
	want := []byte{0xC5, 0xC3, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0xAA, 0x37}
	if !bytes.Equal(got, want) {
		t.Errorf("WriteMessage() = % X, want % X", got, want)
	}
}

type countingWriter struct {
	writes [][]byte
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestWriteMessageChecksumSeparateWrite(t *testing.T) {
	w := &countingWriter{}
	if err := WriteMessage(w, NewMessage(300, []byte{1, 2, 3})); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if len(w.writes) != 2 {
		t.Fatalf("WriteMessage() made %d writes, want 2", len(w.writes))
	}
	if len(w.writes[0]) != headerSize+3 || len(w.writes[1]) != 1 {
		t.Errorf("write sizes = %d, %d, want %d, 1", len(w.writes[0]), len(w.writes[1]), headerSize+3)
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	err := WriteMessage(io.Discard, NewMessage(300, make([]byte, MaxDataLength+1)))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("WriteMessage() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	large := make([]byte, MaxDataLength)
	for i := range large {
		large[i] = byte(i * 7)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"request registration", Message{Version: 1, Intent: IntentRequestRegistration}},
		{"flags and payload", Message{Version: 1, Flags: 0x5A, Intent: 256, Data: []byte("hello")}},
		{"max intent", Message{Version: 1, Flags: 0xFF, Intent: 0xFFFF, Data: []byte{0x00, 0xFF}}},
		{"payload containing signature", Message{Version: 1, Intent: 300, Data: []byte{0xC5, 0xC3, 0x01}}},
		{"max length", Message{Version: 1, Intent: 257, Data: large}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.msg
			frame := encodeFrame(t, &in)

			got, err := ReadMessage(bytes.NewReader(frame))
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			if got.Version != tt.msg.Version || got.Flags != tt.msg.Flags || got.Intent != tt.msg.Intent {
				t.Errorf("ReadMessage() header = (%d, %d, %d), want (%d, %d, %d)",
					got.Version, got.Flags, got.Intent, tt.msg.Version, tt.msg.Flags, tt.msg.Intent)
			}
			if !bytes.Equal(got.Data, tt.msg.Data) {
				t.Errorf("ReadMessage() data length %d, want %d", len(got.Data), len(tt.msg.Data))
			}
		})
	}
}

func TestReadMessageBitFlips(t *testing.T) {
	orig := Message{Version: 1, Flags: 0x01, Intent: 0x0123, Data: []byte{0x10, 0x20, 0x30, 0x40, 0x50}}
	frame := encodeFrame(t, &orig)

	for i := range frame {
		for bit := range 8 {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 1 << bit

			got, err := ReadMessage(bytes.NewReader(corrupt))

			switch {
			case i < 2:
				// A damaged signature makes the reader hunt for the next one.
				if err == nil {
					t.Errorf("byte %d bit %d: ReadMessage() succeeded on a damaged signature", i, bit)
				}
			case i == 4 || i == 5:
				// A damaged length reads the wrong number of bytes.
				if err == nil && got.Intent == orig.Intent && bytes.Equal(got.Data, orig.Data) {
					t.Errorf("byte %d bit %d: ReadMessage() returned the original message", i, bit)
				}
			default:
				if !errors.Is(err, ErrChecksumMismatch) {
					t.Errorf("byte %d bit %d: ReadMessage() error = %v, want ErrChecksumMismatch", i, bit, err)
				}
			}
		}
	}
}

func TestReadMessageResync(t *testing.T) {
	frame := encodeFrame(t, NewMessage(260, []byte{0x01, 0x02}))
	stream := append([]byte{0x00, 0xC5, 0x11, 0xC5, 0xFF}, frame...)
	stream = append(stream, encodeFrame(t, NewMessage(261, nil))...)

	r := bytes.NewReader(stream)
	first, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage() first error = %v", err)
	}
	if first.Intent != 260 || !bytes.Equal(first.Data, []byte{0x01, 0x02}) {
		t.Errorf("first = %+v, want intent 260 data 01 02", first)
	}

	second, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage() second error = %v", err)
	}
	if second.Intent != 261 || len(second.Data) != 0 {
		t.Errorf("second = %+v, want intent 261 without data", second)
	}

	if _, err := ReadMessage(r); !errors.Is(err, io.EOF) {
		t.Errorf("ReadMessage() at end error = %v, want io.EOF", err)
	}
}

func TestReadMessageVersionMismatch(t *testing.T) {
	frame := encodeFrame(t, &Message{Version: 2, Intent: 256})

	_, err := ReadMessage(bytes.NewReader(frame))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("ReadMessage() error = %v, want ErrVersionMismatch", err)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("ReadMessage() error = %v, want it to wrap ErrProtocol", err)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	frame := encodeFrame(t, NewMessage(256, []byte{1, 2, 3, 4}))

	_, err := ReadMessage(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadMessage() error = %v, want io.ErrUnexpectedEOF", err)
	}
}
