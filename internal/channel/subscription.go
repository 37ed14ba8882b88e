package channel

import (
	"sync"
	"time"
)

// SubscriptionType selects what a subscription delivers.
type SubscriptionType int

// Subscription types.
const (
	NotificationSubscription SubscriptionType = iota + 1
	CommandSubscription
)

func (t SubscriptionType) String() string {
	switch t {
	case NotificationSubscription:
		return "notification"
	case CommandSubscription:
		return "command"
	default:
		return "unknown"
	}
}

// Message is a notification or command delivered to a subscription:
// *protocol.DeviceNotification or *protocol.DeviceCommand.
type Message interface {
	Timestamp() time.Time
}

// SubscriptionOptions describes a new subscription.
type SubscriptionOptions struct {
	Type SubscriptionType

	// DeviceGUIDs limits delivery to these devices. Nil means every device
	// the caller can access.
	DeviceGUIDs []string

	// Names limits delivery to these notification or command names. Nil
	// means every name.
	Names []string

	// Since is the initial watermark. Zero means the server's current time.
	Since time.Time

	// Callback receives each delivered message.
	Callback func(Message)
}

// Subscription is an active subscription on a channel.
type Subscription struct {
	ID          string
	Type        SubscriptionType
	DeviceGUIDs []string
	Names       []string

	callback func(Message)
	queue    serialQueue

	mu        sync.Mutex
	timestamp time.Time

	// removing is guarded by Core.mu.
	removing bool
}

// Timestamp returns the watermark: the timestamp of the newest delivered message.
func (s *Subscription) Timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// advance moves the watermark forward. Older timestamps are ignored.
func (s *Subscription) advance(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.After(s.timestamp) {
		return false
	}
	s.timestamp = ts
	return true
}
