package channel

import (
	"context"

	"github.com/nerrad567/hivehub/internal/device"
)

// ConnectionInfo holds the hub address and credentials.
//
// AccessKey takes precedence over Login and Password when both are set.
type ConnectionInfo struct {
	ServiceURL string
	Login      string
	Password   string
	AccessKey  string
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Channel is a persistent logical connection to the hub.
//
// Thread Safety: all methods are safe for concurrent use.
type Channel interface {
	// Name identifies the transport, e.g. "websocket".
	Name() string

	// CanConnect reports whether the server supports this transport.
	CanConnect(ctx context.Context) (bool, error)

	// Open connects the channel. It fails with ErrAlreadyOpen unless the
	// channel is Disconnected.
	Open(ctx context.Context) error

	// Close disconnects the channel and drops every subscription.
	Close() error

	State() State

	// OnStateChanged registers an observer. Observers run asynchronously in
	// transition order.
	OnStateChanged(fn func(StateChange))

	Subscriptions() []*Subscription
	AddSubscription(ctx context.Context, opts SubscriptionOptions) (*Subscription, error)

	// RemoveSubscription is a no-op for subscriptions the channel does not hold.
	RemoveSubscription(ctx context.Context, sub *Subscription) error

	// SendNotification inserts a notification and returns it with its
	// server-assigned id and timestamp.
	SendNotification(ctx context.Context, deviceGUID string, n *device.Notification) (*device.Notification, error)

	// SendCommand inserts a command and returns it with its server-assigned
	// id and timestamp. A non-nil callback receives the command once the
	// device reports its result.
	SendCommand(ctx context.Context, deviceGUID string, cmd *device.Command, callback func(*device.Command)) (*device.Command, error)

	// UpdateCommand reports the status and result of a command.
	UpdateCommand(ctx context.Context, deviceGUID string, cmd *device.Command) error

	// WaitCommandResult blocks until the device reports the result of a
	// command, ctx ends or the channel closes.
	WaitCommandResult(ctx context.Context, deviceGUID string, commandID int64) (*device.Command, error)
}

var (
	_ Channel = (*LongPollChannel)(nil)
	_ Channel = (*WebSocketChannel)(nil)
)
