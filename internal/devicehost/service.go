package devicehost

import (
	"context"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// DeviceService is the device-side view of the hub.
//
// The binary gateway and the device Host both sit on top of this interface
// without knowing which transport carries the calls. Every operation that
// acts on behalf of a device authenticates with the device id and key.
type DeviceService interface {
	// GetDevice returns the registered device. Returns device.ErrDeviceNotFound
	// if the hub does not know it.
	GetDevice(ctx context.Context, id, key string) (*device.Device, error)

	// RegisterDevice registers or updates a device together with its network,
	// class and equipment.
	RegisterDevice(ctx context.Context, d *device.Device) error

	// UpdateDevice updates the mutable fields of a registered device (status, name, data).
	UpdateDevice(ctx context.Context, d *device.Device) error

	// SendNotification stores a notification and returns it with the
	// server-assigned id and timestamp.
	SendNotification(ctx context.Context, deviceID, key string, n *device.Notification) (*device.Notification, error)

	// PollCommands blocks until at least one command newer than since exists
	// for the device, or ctx ends.
	PollCommands(ctx context.Context, deviceID, key string, since time.Time) ([]device.Command, error)

	// SubscribeToCommands starts delivery of new commands for the device to
	// the OnCommandInserted observers.
	SubscribeToCommands(ctx context.Context, deviceID, key string) error

	// UnsubscribeFromCommands stops command delivery for the device.
	UnsubscribeFromCommands(ctx context.Context, deviceID, key string) error

	// UpdateCommand reports status and result of a command.
	UpdateCommand(ctx context.Context, deviceID, key string, cmd *device.Command) error

	// OnCommandInserted adds an observer for commands delivered through
	// SubscribeToCommands.
	OnCommandInserted(fn func(deviceID string, cmd device.Command))

	// OnConnectionClosed adds an observer called when the underlying
	// connection is lost. Command subscriptions do not survive this and must
	// be re-established by the observer.
	OnConnectionClosed(fn func())
}
