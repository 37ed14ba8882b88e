package protocol

import (
	"encoding/json"
	"fmt"
)

// WebSocket actions.
const (
	ActionAuthenticate            = "authenticate"
	ActionServerInfo              = "server/info"
	ActionNotificationInsert      = "notification/insert"
	ActionNotificationSubscribe   = "notification/subscribe"
	ActionNotificationUnsubscribe = "notification/unsubscribe"
	ActionCommandInsert           = "command/insert"
	ActionCommandUpdate           = "command/update"
	ActionCommandSubscribe        = "command/subscribe"
	ActionCommandUnsubscribe      = "command/unsubscribe"
	ActionDeviceGet               = "device/get"
	ActionDeviceSave              = "device/save"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope field names shared by every frame.
const (
	FieldAction    = "action"
	FieldRequestID = "requestId"
	FieldStatus    = "status"
	FieldError     = "error"
)

// Payload field names.
const (
	FieldAccessKey      = "accessKey"
	FieldLogin          = "login"
	FieldPassword       = "password"
	FieldDeviceID       = "deviceId"
	FieldDeviceKey      = "deviceKey"
	FieldDevice         = "device"
	FieldDeviceGUID     = "deviceGuid"
	FieldDeviceGUIDs    = "deviceGuids"
	FieldNames          = "names"
	FieldTimestamp      = "timestamp"
	FieldSubscriptionID = "subscriptionId"
	FieldNotification   = "notification"
	FieldCommand        = "command"
	FieldCommandID      = "commandId"
	FieldInfo           = "info"
)

// Envelope is one WebSocket frame. Fields other than the common ones are
// kept raw and decoded on demand.
type Envelope map[string]json.RawMessage

// ParseEnvelope parses a frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env == nil {
		return nil, fmt.Errorf("parsing envelope: not a JSON object")
	}
	return env, nil
}

// NewEnvelope builds a frame from an action, an optional request id and payload fields.
func NewEnvelope(action, requestID string, fields map[string]any) (Envelope, error) {
	env := make(Envelope, len(fields)+2)
	for k, v := range fields {
		if err := env.Set(k, v); err != nil {
			return nil, err
		}
	}
	if action != "" {
		env.Set(FieldAction, action) //nolint:errcheck // strings always marshal
	}
	if requestID != "" {
		env.Set(FieldRequestID, requestID) //nolint:errcheck // strings always marshal
	}
	return env, nil
}

// Set stores v under key.
func (e Envelope) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	e[key] = raw
	return nil
}

// String returns a string field, or "" when absent or not a string.
func (e Envelope) String(key string) string {
	raw, ok := e[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Has reports whether key is present and not null.
func (e Envelope) Has(key string) bool {
	raw, ok := e[key]
	return ok && string(raw) != "null"
}

// Decode unmarshals the field key into v.
//
// Returns:
//   - bool: false when the field is absent or null
//   - error: JSON decoding error
func (e Envelope) Decode(key string, v any) (bool, error) {
	if !e.Has(key) {
		return false, nil
	}
	if err := json.Unmarshal(e[key], v); err != nil {
		return true, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

// Action returns the frame action.
func (e Envelope) Action() string { return e.String(FieldAction) }

// RequestID returns the frame request id, empty for pushed events.
func (e Envelope) RequestID() string { return e.String(FieldRequestID) }

// Status returns the response status.
func (e Envelope) Status() string { return e.String(FieldStatus) }

// Err returns the error message of an error response.
func (e Envelope) Err() string { return e.String(FieldError) }

// Marshal encodes the frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage(e))
}

// Reply builds the success response to e carrying payload fields.
func (e Envelope) Reply(fields map[string]any) (Envelope, error) {
	r, err := NewEnvelope(e.Action(), e.RequestID(), fields)
	if err != nil {
		return nil, err
	}
	r.Set(FieldStatus, StatusSuccess) //nolint:errcheck // strings always marshal
	return r, nil
}

// ReplyError builds the error response to e.
func (e Envelope) ReplyError(msg string) Envelope {
	r, _ := NewEnvelope(e.Action(), e.RequestID(), nil) //nolint:errcheck // no fields
	r.Set(FieldStatus, StatusError)                      //nolint:errcheck // strings always marshal
	r.Set(FieldError, msg)                               //nolint:errcheck // strings always marshal
	return r
}
