package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// encoder appends little-endian primitives to a buffer. The first error is
// sticky and returned by Bytes.
type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u16(v uint16) {
	e.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (e *encoder) u32(v uint32) {
	e.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (e *encoder) u64(v uint64) {
	e.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

func (e *encoder) f64(v float64) {
	e.u64(math.Float64bits(v))
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// guid writes the identifier in canonical byte order.
func (e *encoder) guid(v uuid.UUID) {
	e.buf.Write(v[:])
}

// str writes a u16 UTF-8 byte count followed by the bytes.
func (e *encoder) str(v string) {
	e.blob([]byte(v))
}

func (e *encoder) blob(v []byte) {
	if len(v) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d bytes exceeds length prefix", ErrEncodingFailed, len(v)))
		return
	}
	e.u16(uint16(len(v))) //nolint:gosec // bounded above
	e.buf.Write(v)
}

func (e *encoder) count(n int) {
	if n > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d elements exceeds count prefix", ErrEncodingFailed, n))
		return
	}
	e.u16(uint16(n)) //nolint:gosec // bounded above
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Bytes returns the encoded bytes or the first error.
func (e *encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// decoder reads little-endian primitives from a byte slice. Reads past the
// end set a sticky error and return zero values.
type decoder struct {
	data []byte
	off  int
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d: %w",
			ErrDecodingFailed, n, d.off, len(d.data)-d.off, io.ErrUnexpectedEOF)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) f64() float64 {
	return math.Float64frombits(d.u64())
}

func (d *decoder) boolean() bool {
	return d.u8() != 0
}

func (d *decoder) guid() uuid.UUID {
	var id uuid.UUID
	if b := d.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) str() string {
	return string(d.blob())
}

func (d *decoder) blob() []byte {
	n := int(d.u16())
	b := d.take(n)
	if b == nil {
		return []byte{}
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Err returns the first decoding error.
func (d *decoder) Err() error {
	return d.err
}
