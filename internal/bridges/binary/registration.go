package binary

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/hivehub/internal/device"
)

// Equipment describes one piece of equipment declared at registration.
type Equipment struct {
	Name string
	Code string
	Type string
}

// MessageMetadata maps a user intent to a notification or command name and
// the shape of its parameters.
type MessageMetadata struct {
	Intent uint16
	Name   string
	Params Parameter
}

// Registration is the description a device sends when asked to register.
// It governs intent-to-name mapping for the rest of the connection.
type Registration struct {
	ID            uuid.UUID
	Key           string
	Name          string
	ClassName     string
	ClassVersion  string
	Equipment     []Equipment
	Notifications []MessageMetadata
	Commands      []MessageMetadata
}

// DecodeRegistration decodes the payload of an IntentRegister frame.
//
// Layout: guid id, str key, str name, str class name, str class version,
// then three u16-counted arrays: equipment (str name, str code, str type),
// notifications and commands (u16 intent, str name, u16-counted list of
// (str name, u8 data type)). Parameter lists become an Object root.
//
// Returns:
//   - *Registration: Decoded and validated registration
//   - error: ErrDecodingFailed or ErrInvalidMetadata
func DecodeRegistration(data []byte) (*Registration, error) {
	d := newDecoder(data)
	r := &Registration{
		ID:           d.guid(),
		Key:          d.str(),
		Name:         d.str(),
		ClassName:    d.str(),
		ClassVersion: d.str(),
	}

	n := int(d.u16())
	for i := 0; i < n && d.Err() == nil; i++ {
		r.Equipment = append(r.Equipment, Equipment{Name: d.str(), Code: d.str(), Type: d.str()})
	}

	var err error
	if r.Notifications, err = decodeMetadataList(d); err != nil {
		return nil, err
	}
	if r.Commands, err = decodeMetadataList(d); err != nil {
		return nil, err
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeMetadataList(d *decoder) ([]MessageMetadata, error) {
	n := int(d.u16())
	out := make([]MessageMetadata, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		m := MessageMetadata{Intent: d.u16(), Name: d.str()}
		fields := int(d.u16())
		root := ObjectOf("")
		for j := 0; j < fields && d.Err() == nil; j++ {
			name := d.str()
			t := DataType(d.u8())
			if !t.Valid() || !t.Primitive() {
				return nil, fmt.Errorf("%w: %s parameter %q has %s", ErrInvalidMetadata, m.Name, name, t)
			}
			root.Fields = append(root.Fields, Parameter{Name: name, Type: t})
		}
		m.Params = root
		out = append(out, m)
	}
	return out, nil
}

// MarshalBinary encodes r as an IntentRegister payload. Only flat parameter
// lists of primitive types can be expressed in this form; use the JSON
// registration for nested shapes.
func (r *Registration) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.guid(r.ID)
	e.str(r.Key)
	e.str(r.Name)
	e.str(r.ClassName)
	e.str(r.ClassVersion)

	e.count(len(r.Equipment))
	for _, eq := range r.Equipment {
		e.str(eq.Name)
		e.str(eq.Code)
		e.str(eq.Type)
	}
	for _, list := range [][]MessageMetadata{r.Notifications, r.Commands} {
		e.count(len(list))
		for _, m := range list {
			e.u16(m.Intent)
			e.str(m.Name)
			fields, err := flatFields(m)
			if err != nil {
				e.fail(err)
				continue
			}
			e.count(len(fields))
			for _, f := range fields {
				e.str(f.Name)
				e.u8(byte(f.Type))
			}
		}
	}
	return e.Bytes()
}

func flatFields(m MessageMetadata) ([]Parameter, error) {
	switch m.Params.Type {
	case Null:
		return nil, nil
	case Object:
		for _, f := range m.Params.Fields {
			if !f.Type.Primitive() {
				return nil, fmt.Errorf("%w: %s parameter %q is not primitive", ErrInvalidMetadata, m.Name, f.Name)
			}
		}
		return m.Params.Fields, nil
	default:
		return nil, fmt.Errorf("%w: %s parameters must be an object", ErrInvalidMetadata, m.Name)
	}
}

// jsonRegistration is the document carried by IntentRegister2.
type jsonRegistration struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	DeviceClass struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"deviceClass"`
	Equipment []struct {
		Code string `json:"code"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"equipment"`
	Commands      []jsonMetadata `json:"commands"`
	Notifications []jsonMetadata `json:"notifications"`
}

type jsonMetadata struct {
	Intent uint16          `json:"intent"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// DecodeJSONRegistration decodes the payload of an IntentRegister2 frame:
// a length-prefixed UTF-8 string holding a JSON registration document.
//
// Parameter shapes use a small type language: null, an object whose keys
// become fields in document order, a single-element array giving the element
// shape, or a primitive name such as "u16", "str" or "guid".
func DecodeJSONRegistration(data []byte) (*Registration, error) {
	d := newDecoder(data)
	doc := d.str()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return ParseJSONRegistration([]byte(doc))
}

// ParseJSONRegistration parses a JSON registration document.
func ParseJSONRegistration(doc []byte) (*Registration, error) {
	var jr jsonRegistration
	if err := json.Unmarshal(doc, &jr); err != nil {
		return nil, fmt.Errorf("%w: registration document: %w", ErrDecodingFailed, err)
	}

	id, err := uuid.Parse(jr.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: registration id %q: %w", ErrDecodingFailed, jr.ID, err)
	}

	r := &Registration{
		ID:           id,
		Key:          jr.Key,
		Name:         jr.Name,
		ClassName:    jr.DeviceClass.Name,
		ClassVersion: jr.DeviceClass.Version,
	}
	for _, e := range jr.Equipment {
		r.Equipment = append(r.Equipment, Equipment{Name: e.Name, Code: e.Code, Type: e.Type})
	}
	if r.Commands, err = parseJSONMetadata(jr.Commands); err != nil {
		return nil, err
	}
	if r.Notifications, err = parseJSONMetadata(jr.Notifications); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseJSONMetadata(list []jsonMetadata) ([]MessageMetadata, error) {
	out := make([]MessageMetadata, 0, len(list))
	for _, m := range list {
		p, err := ParseParameterShape(m.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		out = append(out, MessageMetadata{Intent: m.Intent, Name: m.Name, Params: p})
	}
	return out, nil
}

// ParseParameterShape parses a parameter shape written in the JSON type
// language. Empty input is the Null shape.
func ParseParameterShape(raw json.RawMessage) (Parameter, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Parameter{Type: Null}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	return parseShape(dec, "")
}

func parseShape(dec *json.Decoder, name string) (Parameter, error) {
	tok, err := dec.Token()
	if err != nil {
		return Parameter{}, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}

	switch t := tok.(type) {
	case nil:
		return Parameter{Name: name, Type: Null}, nil

	case string:
		dt, err := ParsePrimitive(t)
		if err != nil {
			return Parameter{}, err
		}
		return Parameter{Name: name, Type: dt}, nil

	case json.Delim:
		switch t {
		case '{':
			p := ObjectOf(name)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Parameter{}, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
				}
				key, _ := keyTok.(string)
				field, err := parseShape(dec, key)
				if err != nil {
					return Parameter{}, err
				}
				p.Fields = append(p.Fields, field)
			}
			if _, err := dec.Token(); err != nil {
				return Parameter{}, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
			}
			return p, nil

		case '[':
			var elems []Parameter
			for dec.More() {
				e, err := parseShape(dec, "")
				if err != nil {
					return Parameter{}, err
				}
				elems = append(elems, e)
			}
			if _, err := dec.Token(); err != nil {
				return Parameter{}, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
			}
			if len(elems) != 1 {
				return Parameter{}, fmt.Errorf("%w: array %q must declare exactly one element shape, got %d",
					ErrInvalidMetadata, name, len(elems))
			}
			return ArrayOf(name, elems[0]), nil
		}
	}
	return Parameter{}, fmt.Errorf("%w: cannot parse parameter %q from %v", ErrInvalidMetadata, name, tok)
}

// Validate checks intents and parameter shapes. Device intents must be at
// least FirstUserIntent and unique within notifications and within commands;
// command names must be unique.
func (r *Registration) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: registration has no device id", ErrInvalidMetadata)
	}

	check := func(kind string, list []MessageMetadata) error {
		intents := make(map[uint16]bool, len(list))
		names := make(map[string]bool, len(list))
		for _, m := range list {
			if m.Intent < FirstUserIntent {
				return fmt.Errorf("%w: %s %q uses reserved intent %d", ErrInvalidMetadata, kind, m.Name, m.Intent)
			}
			if intents[m.Intent] {
				return fmt.Errorf("%w: duplicate %s intent %d", ErrInvalidMetadata, kind, m.Intent)
			}
			if names[m.Name] {
				return fmt.Errorf("%w: duplicate %s name %q", ErrInvalidMetadata, kind, m.Name)
			}
			intents[m.Intent] = true
			names[m.Name] = true
			if err := m.Params.Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := check("notification", r.Notifications); err != nil {
		return err
	}
	return check("command", r.Commands)
}

// Device converts the registration into a hub device on the given network.
// A nil network or one without a name registers the device without a network.
func (r *Registration) Device(network *device.Network) *device.Device {
	d := &device.Device{
		ID:   r.ID.String(),
		Key:  r.Key,
		Name: r.Name,
		DeviceClass: &device.DeviceClass{
			Name:      r.ClassName,
			Version:   r.ClassVersion,
			Equipment: make([]device.Equipment, 0, len(r.Equipment)),
		},
	}
	for _, e := range r.Equipment {
		d.DeviceClass.Equipment = append(d.DeviceClass.Equipment, device.Equipment{
			Name: e.Name,
			Code: e.Code,
			Type: e.Type,
		})
	}
	if network != nil && network.Name != "" {
		n := *network
		d.Network = &n
	}
	return d
}
