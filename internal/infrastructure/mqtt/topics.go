package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is the root of every hub topic when none is configured.
const DefaultTopicPrefix = "hivehub"

// Topics builds the MQTT topics the hub mirrors messages to.
//
// Device topics use the scheme {prefix}/device/{deviceId}/{kind}:
//
//	topics := mqtt.NewTopics("hivehub")
//	topics.Notification("e50d6085-...")
//	// Returns: "hivehub/device/e50d6085-.../notification"
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix, or DefaultTopicPrefix
// when prefix is empty.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Status returns the retained hub status topic, also used for the last will.
//
// Example: hivehub/status
func (t Topics) Status() string {
	return t.Prefix() + "/status"
}

// Notification returns the topic notifications of a device are mirrored to.
//
// Example: hivehub/device/{id}/notification
func (t Topics) Notification(deviceID string) string {
	return t.device(deviceID) + "/notification"
}

// Command returns the topic commands for a device are mirrored to.
//
// Example: hivehub/device/{id}/command
func (t Topics) Command(deviceID string) string {
	return t.device(deviceID) + "/command"
}

// CommandUpdate returns the topic command results of a device are mirrored to.
//
// Example: hivehub/device/{id}/command/update
func (t Topics) CommandUpdate(deviceID string) string {
	return t.device(deviceID) + "/command/update"
}

// CommandInsert returns the topic on which MQTT clients submit commands for a
// device.
//
// Example: hivehub/device/{id}/command/insert
func (t Topics) CommandInsert(deviceID string) string {
	return t.device(deviceID) + "/command/insert"
}

// AllCommandInserts returns a wildcard matching CommandInsert for every device.
func (t Topics) AllCommandInserts() string {
	return t.CommandInsert("+")
}

// AllNotifications returns a wildcard matching Notification for every device.
func (t Topics) AllNotifications() string {
	return t.Notification("+")
}

// AllTopics returns a wildcard matching every hub topic.
func (t Topics) AllTopics() string {
	return t.Prefix() + "/#"
}

// DeviceID extracts the device ID from a device topic.
//
// Returns:
//   - string: the device ID segment
//   - bool: false when topic is not under {prefix}/device/
func (t Topics) DeviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix()+"/device/")
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" || id == "+" || id == "#" {
		return "", false
	}
	return id, true
}

func (t Topics) device(deviceID string) string {
	return t.Prefix() + "/device/" + deviceID
}
