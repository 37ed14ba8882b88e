package binary

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func allTypesSchema() []Parameter {
	return []Parameter{
		{Name: "null", Type: Null},
		{Name: "u8", Type: Byte},
		{Name: "u16", Type: Word},
		{Name: "u32", Type: Dword},
		{Name: "u64", Type: Qword},
		{Name: "i8", Type: SignedByte},
		{Name: "i16", Type: SignedWord},
		{Name: "i32", Type: SignedDword},
		{Name: "i64", Type: SignedQword},
		{Name: "f", Type: Single},
		{Name: "ff", Type: Double},
		{Name: "bool", Type: Boolean},
		{Name: "guid", Type: Guid},
		{Name: "str", Type: UtfString},
		{Name: "bin", Type: Binary},
		ArrayOf("list", Parameter{Type: Word}),
		ObjectOf("obj", Parameter{Name: "state", Type: Boolean}, Parameter{Name: "label", Type: UtfString}),
	}
}

func TestParamsRoundTrip(t *testing.T) {
	id := uuid.MustParse("e50d6085-2aba-48e9-b1c3-73c673e414be")
	values := map[string]any{
		"null": nil,
		"u8":   uint8(200),
		"u16":  uint16(65000),
		"u32":  uint32(4000000000),
		"u64":  uint64(18000000000000000000),
		"i8":   int8(-100),
		"i16":  int16(-30000),
		"i32":  int32(-2000000000),
		"i64":  int64(-9000000000000000000),
		"f":    float32(21.5),
		"ff":   3.141592653589793,
		"bool": true,
		"guid": id,
		"str":  "temperature °C",
		"bin":  []byte{0x00, 0x01, 0xFE, 0xFF},
		"list": []any{uint16(1), uint16(2), uint16(3)},
		"obj":  map[string]any{"state": true, "label": "on"},
	}

	data, err := EncodeParams(allTypesSchema(), values)
	if err != nil {
		t.Fatalf("EncodeParams() error = %v", err)
	}
	got, err := DecodeParams(allTypesSchema(), data)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}

	for name, want := range values {
		if !reflect.DeepEqual(got[name], want) {
			t.Errorf("%s = %#v, want %#v", name, got[name], want)
		}
	}
}

func TestParamsAbsentValuesDecodeAsZero(t *testing.T) {
	data, err := EncodeParams(allTypesSchema(), map[string]any{})
	if err != nil {
		t.Fatalf("EncodeParams() error = %v", err)
	}
	got, err := DecodeParams(allTypesSchema(), data)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}

	want := map[string]any{
		"null": nil,
		"u8":   uint8(0),
		"u16":  uint16(0),
		"u32":  uint32(0),
		"u64":  uint64(0),
		"i8":   int8(0),
		"i16":  int16(0),
		"i32":  int32(0),
		"i64":  int64(0),
		"f":    float32(0),
		"ff":   float64(0),
		"bool": false,
		"guid": uuid.Nil,
		"str":  "",
		"bin":  []byte{},
		"list": []any{},
		"obj":  map[string]any{"state": false, "label": ""},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DecodeParams() = %#v, want %#v", got, want)
	}
}

func TestEncodeJSONValues(t *testing.T) {
	// Values as they arrive from a JSON command body.
	schema := []Parameter{
		{Name: "level", Type: Byte},
		{Name: "offset", Type: SignedWord},
		{Name: "ratio", Type: Single},
		{Name: "enabled", Type: Boolean},
		{Name: "id", Type: Guid},
		{Name: "blob", Type: Binary},
	}
	values := map[string]any{
		"level":   float64(75),
		"offset":  float64(-12),
		"ratio":   0.5,
		"enabled": true,
		"id":      "01020304-0506-0708-0910-111213141516",
		"blob":    "AAEC",
	}

	data, err := EncodeParams(schema, values)
	if err != nil {
		t.Fatalf("EncodeParams() error = %v", err)
	}
	got, err := DecodeParams(schema, data)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}

	if got["level"] != uint8(75) || got["offset"] != int16(-12) || got["ratio"] != float32(0.5) {
		t.Errorf("numbers = %v %v %v", got["level"], got["offset"], got["ratio"])
	}
	if got["enabled"] != true {
		t.Errorf("enabled = %v, want true", got["enabled"])
	}
	if got["id"].(uuid.UUID).String() != "01020304-0506-0708-0910-111213141516" {
		t.Errorf("id = %v", got["id"])
	}
	if !bytes.Equal(got["blob"].([]byte), []byte{0x00, 0x01, 0x02}) {
		t.Errorf("blob = %v, want 00 01 02", got["blob"])
	}
}

func TestEncodeValueErrors(t *testing.T) {
	tests := []struct {
		name string
		p    Parameter
		v    any
	}{
		{"byte overflow", Parameter{Type: Byte}, 256},
		{"negative unsigned", Parameter{Type: Word}, -1},
		{"fractional integer", Parameter{Type: Dword}, 1.5},
		{"signed overflow", Parameter{Type: SignedByte}, 300},
		{"bad guid", Parameter{Type: Guid}, "not-a-guid"},
		{"bad base64", Parameter{Type: Binary}, "***"},
		{"object from string", ObjectOf("o", Parameter{Name: "a", Type: Byte}), "x"},
		{"array from number", ArrayOf("a", Parameter{Type: Byte}), 5},
		{"array without element", Parameter{Name: "a", Type: Array}, []any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeValue(tt.p, tt.v)
			if !errors.Is(err, ErrEncodingFailed) {
				t.Errorf("EncodeValue() error = %v, want ErrEncodingFailed", err)
			}
		})
	}
}

func TestSignedAcceptsUnsignedSpelling(t *testing.T) {
	data, err := EncodeValue(Parameter{Type: SignedByte}, 200)
	if err != nil {
		t.Fatalf("EncodeValue() error = %v", err)
	}
	if !bytes.Equal(data, []byte{0xC8}) {
		t.Errorf("EncodeValue() = % X, want C8", data)
	}
	got, err := DecodeValue(Parameter{Type: SignedByte}, data)
	if err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if got != int8(-56) {
		t.Errorf("DecodeValue() = %v, want -56", got)
	}
}

func TestGUIDWireOrder(t *testing.T) {
	id := uuid.MustParse("01020304-0506-0708-0910-111213141516")
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

	data, err := EncodeValue(Parameter{Type: Guid}, id)
	if err != nil {
		t.Fatalf("EncodeValue() error = %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("EncodeValue() = % X, want % X", data, want)
	}

	got, err := DecodeValue(Parameter{Type: Guid}, data)
	if err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if got != id {
		t.Errorf("DecodeValue() = %v, want %v", got, id)
	}
}

func TestStringLengthIsByteCount(t *testing.T) {
	data, err := EncodeValue(Parameter{Type: UtfString}, "°C")
	if err != nil {
		t.Fatalf("EncodeValue() error = %v", err)
	}
	// "°" is two bytes in UTF-8.
	want := []byte{0x03, 0x00, 0xC2, 0xB0, 'C'}
	if !bytes.Equal(data, want) {
		t.Errorf("EncodeValue() = % X, want % X", data, want)
	}
}

func TestDecodeValueTruncated(t *testing.T) {
	schema := ObjectOf("", Parameter{Name: "a", Type: Dword}, Parameter{Name: "s", Type: UtfString})

	_, err := DecodeValue(schema, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x00, 'a'})
	if !errors.Is(err, ErrDecodingFailed) {
		t.Errorf("DecodeValue() error = %v, want ErrDecodingFailed", err)
	}
}

func TestParsePrimitive(t *testing.T) {
	tests := []struct {
		name    string
		want    DataType
		wantErr bool
	}{
		{"u8", Byte, false},
		{"uint16", Word, false},
		{"i32", SignedDword, false},
		{"int64", SignedQword, false},
		{"f", Single, false},
		{"double", Double, false},
		{"bool", Boolean, false},
		{"uuid", Guid, false},
		{"s", UtfString, false},
		{"binary", Binary, false},
		{"decimal", Null, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrimitive(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrimitive() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePrimitive() = %v, want %v", got, tt.want)
			}
		})
	}
}
