package protocol

import (
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// APIVersion is reported by the info endpoint.
const APIVersion = "1.3.0"

// APIInfo is returned by GET /info and the server/info action.
type APIInfo struct {
	APIVersion         string    `json:"apiVersion"`
	ServerTimestamp    time.Time `json:"serverTimestamp"`
	WebSocketServerURL string    `json:"webSocketServerUrl,omitempty"`
}

// DeviceNotification is a notification delivered to a subscription.
type DeviceNotification struct {
	SubscriptionID string               `json:"subscriptionId,omitempty"`
	DeviceGUID     string               `json:"deviceGuid"`
	Notification   *device.Notification `json:"notification"`
}

// Timestamp returns the notification timestamp, or the zero time.
func (n *DeviceNotification) Timestamp() time.Time {
	if n == nil || n.Notification == nil {
		return time.Time{}
	}
	return n.Notification.Timestamp
}

// DeviceCommand is a command delivered to a subscription.
type DeviceCommand struct {
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	DeviceGUID     string          `json:"deviceGuid"`
	Command        *device.Command `json:"command"`
}

// Timestamp returns the command timestamp, or the zero time.
func (c *DeviceCommand) Timestamp() time.Time {
	if c == nil || c.Command == nil {
		return time.Time{}
	}
	return c.Command.Timestamp
}

// User is the account behind a login or access key.
type User struct {
	ID            int64      `json:"id,omitempty"`
	Login         string     `json:"login"`
	Role          string     `json:"role,omitempty"`
	Status        string     `json:"status,omitempty"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
	Password      string     `json:"password,omitempty"`
	FacebookLogin string     `json:"facebookLogin,omitempty"`
	Data          any        `json:"data,omitempty"`
}

// ErrorBody is the JSON error shape of REST responses.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
