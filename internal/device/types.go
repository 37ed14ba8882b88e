package device

import (
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire layout of timestamps in query strings.
// Values are always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Command statuses set by devices and device hosts.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// EquipmentNotification is the reserved notification name that reports the
// state of one piece of equipment. Its "equipment" parameter holds the code.
const EquipmentNotification = "equipment"

// Network groups devices. A network with a key only accepts devices that
// present the same key on registration.
type Network struct {
	ID          int64  `json:"id,omitempty"`
	Key         string `json:"key,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DeviceClass is shared by every device with the same name and version.
type DeviceClass struct {
	ID             int64       `json:"id,omitempty"`
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	IsPermanent    bool        `json:"isPermanent,omitempty"`
	OfflineTimeout int         `json:"offlineTimeout,omitempty"`
	Data           any         `json:"data,omitempty"`
	Equipment      []Equipment `json:"equipment,omitempty"`
}

// Equipment is a component of a device class (a sensor, a relay).
type Equipment struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Device is a registered device.
type Device struct {
	ID          string       `json:"id"`
	Key         string       `json:"key,omitempty"`
	Name        string       `json:"name"`
	Status      string       `json:"status,omitempty"`
	Data        any          `json:"data,omitempty"`
	Network     *Network     `json:"network,omitempty"`
	DeviceClass *DeviceClass `json:"deviceClass,omitempty"`
}

// Notification is a message from a device.
type Notification struct {
	ID         int64     `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	Name       string    `json:"notification"`
	Parameters any       `json:"parameters,omitempty"`
}

// Command is a message to a device. Status and Result are filled in by the
// device once it has handled the command.
type Command struct {
	ID         int64     `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	UserID     int64     `json:"userId,omitempty"`
	Name       string    `json:"command,omitempty"`
	Parameters any       `json:"parameters,omitempty"`
	Lifetime   int       `json:"lifetime,omitempty"`
	Flags      int       `json:"flags,omitempty"`
	Status     string    `json:"status,omitempty"`
	Result     any       `json:"result,omitempty"`
}

// CommandUpdate carries the fields a device may change on a command.
type CommandUpdate struct {
	Status string `json:"status,omitempty"`
	Result any    `json:"result,omitempty"`
}

// EquipmentState is the last state reported for one equipment code.
type EquipmentState struct {
	Code       string    `json:"id"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	Parameters any       `json:"parameters,omitempty"`
}

// MessageFilter selects notifications or commands.
type MessageFilter struct {
	// DeviceIDs restricts results to these devices. Empty means all.
	DeviceIDs []string

	// Names restricts results to these notification or command names. Empty means all.
	Names []string

	// After returns only messages strictly newer than this timestamp.
	After time.Time

	// Before returns only messages strictly older than this timestamp (zero = no bound).
	Before time.Time

	// Take limits the number of results (0 = no limit).
	Take int
}

// NormalizeTimestamp truncates t to the stored precision in UTC.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTimestamp formats t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses TimestampLayout values, falling back to RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(TimestampLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ParamMap returns parameters as a map when they are a JSON object.
func ParamMap(params any) map[string]any {
	m, _ := params.(map[string]any)
	return m
}

// Clone returns a copy of the device whose nested network and class can be
// modified without affecting d.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.Network != nil {
		n := *d.Network
		c.Network = &n
	}
	if d.DeviceClass != nil {
		dc := *d.DeviceClass
		dc.Equipment = append([]Equipment(nil), d.DeviceClass.Equipment...)
		c.DeviceClass = &dc
	}
	return &c
}

// NewDeviceID returns a random device GUID string.
func NewDeviceID() string {
	return uuid.NewString()
}
