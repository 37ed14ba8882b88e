package binary

import (
	"fmt"
	"strings"
)

// DataType identifies the wire encoding of a parameter value.
type DataType byte

// Data types understood by the parameter marshaller.
const (
	Null        DataType = 0
	Byte        DataType = 1
	Word        DataType = 2
	Dword       DataType = 3
	Qword       DataType = 4
	SignedByte  DataType = 5
	SignedWord  DataType = 6
	SignedDword DataType = 7
	SignedQword DataType = 8
	Single      DataType = 9
	Double      DataType = 10
	Boolean     DataType = 11
	Guid        DataType = 12
	UtfString   DataType = 13
	Binary      DataType = 14
	Array       DataType = 15
	Object      DataType = 16
)

var dataTypeNames = map[DataType]string{
	Null:        "null",
	Byte:        "u8",
	Word:        "u16",
	Dword:       "u32",
	Qword:       "u64",
	SignedByte:  "i8",
	SignedWord:  "i16",
	SignedDword: "i32",
	SignedQword: "i64",
	Single:      "f",
	Double:      "ff",
	Boolean:     "bool",
	Guid:        "guid",
	UtfString:   "str",
	Binary:      "bin",
	Array:       "array",
	Object:      "object",
}

// primitiveNames maps every accepted spelling in JSON registrations to its type.
var primitiveNames = map[string]DataType{
	"bool":   Boolean,
	"u8":     Byte,
	"uint8":  Byte,
	"i8":     SignedByte,
	"int8":   SignedByte,
	"u16":    Word,
	"uint16": Word,
	"i16":    SignedWord,
	"int16":  SignedWord,
	"u32":    Dword,
	"uint32": Dword,
	"i32":    SignedDword,
	"int32":  SignedDword,
	"u64":    Qword,
	"uint64": Qword,
	"i64":    SignedQword,
	"int64":  SignedQword,
	"f":      Single,
	"single": Single,
	"ff":     Double,
	"double": Double,
	"uuid":   Guid,
	"guid":   Guid,
	"s":      UtfString,
	"str":    UtfString,
	"string": UtfString,
	"b":      Binary,
	"bin":    Binary,
	"binary": Binary,
}

// String returns the short type name used in JSON registrations.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", byte(t))
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	return t <= Object
}

// Primitive reports whether t is neither Array nor Object.
func (t DataType) Primitive() bool {
	return t < Array
}

// ParsePrimitive resolves a primitive type name such as "u16" or "string".
func ParsePrimitive(name string) (DataType, error) {
	if t, ok := primitiveNames[strings.TrimSpace(name)]; ok {
		return t, nil
	}
	return Null, fmt.Errorf("%w: unknown primitive type %q", ErrInvalidMetadata, name)
}

// Parameter describes the shape of a parameter value.
//
// Array parameters describe their elements with Element. Object parameters
// list their fields in wire order. The root parameter of a command or
// notification is usually an Object whose fields are the named parameters.
type Parameter struct {
	Name    string
	Type    DataType
	Element *Parameter
	Fields  []Parameter
}

// ObjectOf builds an Object parameter from fields.
func ObjectOf(name string, fields ...Parameter) Parameter {
	return Parameter{Name: name, Type: Object, Fields: fields}
}

// ArrayOf builds an Array parameter whose elements have the given shape.
func ArrayOf(name string, element Parameter) Parameter {
	return Parameter{Name: name, Type: Array, Element: &element}
}

// Validate checks that Array parameters have an element and nested shapes are valid.
func (p Parameter) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: parameter %q has %s", ErrInvalidMetadata, p.Name, p.Type)
	}
	switch p.Type {
	case Array:
		if p.Element == nil {
			return fmt.Errorf("%w: array parameter %q has no element type", ErrInvalidMetadata, p.Name)
		}
		return p.Element.Validate()
	case Object:
		for _, f := range p.Fields {
			if err := f.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
