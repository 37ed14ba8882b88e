package binary

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/google/uuid"
)

// EncodeValue encodes v according to the parameter shape p.
//
// Values may be Go numeric types, JSON-decoded values (float64, string,
// bool, []any, map[string]any) or json.Number. A nil or absent value is
// encoded as the zero value of its type. Binary values given as strings are
// treated as standard base64, matching how []byte travels in JSON.
//
// Parameters:
//   - p: Parameter schema from the device registration
//   - v: Value to encode
//
// Returns:
//   - []byte: Encoded payload
//   - error: ErrEncodingFailed if a value does not fit its declared type
func EncodeValue(p Parameter, v any) ([]byte, error) {
	e := &encoder{}
	writeValue(e, p, v)
	return e.Bytes()
}

// DecodeValue decodes a payload produced by EncodeValue with the same schema.
//
// Decoded values use exact Go types: uint8..uint64, int8..int64, float32,
// float64, bool, uuid.UUID, string, []byte, []any and map[string]any.
// Trailing bytes after the value are ignored.
//
// Returns:
//   - any: Decoded value (nil for Null)
//   - error: ErrDecodingFailed if the payload is truncated
func DecodeValue(p Parameter, data []byte) (any, error) {
	d := newDecoder(data)
	v, err := readValue(d, p)
	if err != nil {
		return nil, err
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeParams encodes a named parameter bag using an ordered field list.
func EncodeParams(fields []Parameter, values map[string]any) ([]byte, error) {
	return EncodeValue(ObjectOf("", fields...), values)
}

// DecodeParams decodes a named parameter bag using an ordered field list.
func DecodeParams(fields []Parameter, data []byte) (map[string]any, error) {
	v, err := DecodeValue(ObjectOf("", fields...), data)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func writeValue(e *encoder, p Parameter, v any) {
	if e.err != nil {
		return
	}
	var err error
	switch p.Type {
	case Null:
	case Byte:
		var n uint64
		if n, err = toUint(v, 8); err == nil {
			e.u8(uint8(n))
		}
	case Word:
		var n uint64
		if n, err = toUint(v, 16); err == nil {
			e.u16(uint16(n))
		}
	case Dword:
		var n uint64
		if n, err = toUint(v, 32); err == nil {
			e.u32(uint32(n))
		}
	case Qword:
		var n uint64
		if n, err = toUint(v, 64); err == nil {
			e.u64(n)
		}
	case SignedByte:
		var n int64
		if n, err = toInt(v, 8); err == nil {
			e.u8(uint8(int8(n))) //nolint:gosec // range checked
		}
	case SignedWord:
		var n int64
		if n, err = toInt(v, 16); err == nil {
			e.u16(uint16(int16(n))) //nolint:gosec // range checked
		}
	case SignedDword:
		var n int64
		if n, err = toInt(v, 32); err == nil {
			e.u32(uint32(int32(n))) //nolint:gosec // range checked
		}
	case SignedQword:
		var n int64
		if n, err = toInt(v, 64); err == nil {
			e.u64(uint64(n)) //nolint:gosec // two's complement
		}
	case Single:
		var f float64
		if f, err = toFloat(v); err == nil {
			e.f32(float32(f))
		}
	case Double:
		var f float64
		if f, err = toFloat(v); err == nil {
			e.f64(f)
		}
	case Boolean:
		var b bool
		if b, err = toBool(v); err == nil {
			e.boolean(b)
		}
	case Guid:
		var id uuid.UUID
		if id, err = toGUID(v); err == nil {
			e.guid(id)
		}
	case UtfString:
		e.str(toString(v))
	case Binary:
		var b []byte
		if b, err = toBytes(v); err == nil {
			e.blob(b)
		}
	case Array:
		err = writeArray(e, p, v)
	case Object:
		err = writeObject(e, p, v)
	default:
		err = fmt.Errorf("unsupported data type %s", p.Type)
	}
	if err != nil {
		e.fail(fmt.Errorf("%w: parameter %q: %w", ErrEncodingFailed, p.Name, err))
	}
}

func writeArray(e *encoder, p Parameter, v any) error {
	if p.Element == nil {
		return fmt.Errorf("array has no element type")
	}
	if v == nil {
		e.count(0)
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected array, got %T", v)
	}
	e.count(rv.Len())
	for i := range rv.Len() {
		writeValue(e, *p.Element, rv.Index(i).Interface())
	}
	return nil
}

func writeObject(e *encoder, p Parameter, v any) error {
	var fields map[string]any
	switch m := v.(type) {
	case nil:
	case map[string]any:
		fields = m
	default:
		return fmt.Errorf("expected object, got %T", v)
	}
	for _, f := range p.Fields {
		writeValue(e, f, fields[f.Name])
	}
	return nil
}

func readValue(d *decoder, p Parameter) (any, error) {
	switch p.Type {
	case Null:
		return nil, nil
	case Byte:
		return d.u8(), nil
	case Word:
		return d.u16(), nil
	case Dword:
		return d.u32(), nil
	case Qword:
		return d.u64(), nil
	case SignedByte:
		return int8(d.u8()), nil //nolint:gosec // two's complement
	case SignedWord:
		return int16(d.u16()), nil //nolint:gosec // two's complement
	case SignedDword:
		return int32(d.u32()), nil //nolint:gosec // two's complement
	case SignedQword:
		return int64(d.u64()), nil //nolint:gosec // two's complement
	case Single:
		return d.f32(), nil
	case Double:
		return d.f64(), nil
	case Boolean:
		return d.boolean(), nil
	case Guid:
		return d.guid(), nil
	case UtfString:
		return d.str(), nil
	case Binary:
		return d.blob(), nil
	case Array:
		if p.Element == nil {
			return nil, fmt.Errorf("%w: array parameter %q has no element type", ErrDecodingFailed, p.Name)
		}
		n := int(d.u16())
		out := make([]any, 0, n)
		for range n {
			if d.Err() != nil {
				break
			}
			v, err := readValue(d, *p.Element)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case Object:
		out := make(map[string]any, len(p.Fields))
		for _, f := range p.Fields {
			v, err := readValue(d, f)
			if err != nil {
				return nil, err
			}
			out[f.Name] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: parameter %q has unsupported %s", ErrDecodingFailed, p.Name, p.Type)
	}
}

func toUint(v any, bits int) (uint64, error) {
	var n uint64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case uint:
		n = uint64(x)
	case bool:
		if x {
			n = 1
		}
	default:
		i, err := toInt(v, 64)
		if err != nil {
			if s, ok := v.(string); ok {
				if u, perr := strconv.ParseUint(s, 10, 64); perr == nil {
					n = u
					break
				}
			}
			return 0, err
		}
		if i < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned type", i)
		}
		n = uint64(i)
	}
	if bits < 64 && n > (uint64(1)<<bits)-1 {
		return 0, fmt.Errorf("value %d overflows %d bits", n, bits)
	}
	return n, nil
}

func toInt(v any, bits int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		n = int64(x)
	case float32:
		return toInt(float64(x), bits)
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x > math.MaxInt64 {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, err
		}
		n = i
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", x)
		}
		n = i
	case bool:
		if x {
			n = 1
		}
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	if bits < 64 {
		limit := int64(1) << (bits - 1)
		if n < -limit || n >= limit {
			// Allow unsigned spellings of signed values written by JSON clients.
			if n >= 0 && n < limit<<1 {
				return n - limit<<1, nil
			}
			return 0, fmt.Errorf("value %d overflows %d bits", n, bits)
		}
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", x)
		}
		return f, nil
	default:
		i, err := toInt(v, 64)
		if err != nil {
			if u, uerr := toUint(v, 64); uerr == nil {
				return float64(u), nil
			}
			return 0, fmt.Errorf("expected number, got %T", v)
		}
		return float64(i), nil
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("value %q is not a boolean", x)
		}
		return b, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %T", v)
		}
		return f != 0, nil
	}
}

func toGUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case nil:
		return uuid.Nil, nil
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case string:
		if x == "" {
			return uuid.Nil, nil
		}
		return uuid.Parse(x)
	default:
		return uuid.Nil, fmt.Errorf("expected guid, got %T", v)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return x, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, fmt.Errorf("binary value is not base64: %w", err)
		}
		return b, nil
	case []any:
		out := make([]byte, len(x))
		for i, el := range x {
			n, err := toUint(el, 8)
			if err != nil {
				return nil, err
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected binary, got %T", v)
	}
}
