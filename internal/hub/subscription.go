package hub

import (
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// subscriptionBuffer is the number of events a subscriber may fall behind
// before events are dropped and the subscription is marked as lagged.
const subscriptionBuffer = 64

// Kind identifies the type of a hub event.
type Kind int

// Event kinds.
const (
	KindNotification Kind = iota
	KindCommand
	KindCommandUpdate
)

// String returns the metric label of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindCommand:
		return "command"
	case KindCommandUpdate:
		return "command_update"
	default:
		return "unknown"
	}
}

// Event is a stored message delivered to subscribers.
type Event struct {
	Kind         Kind
	DeviceID     string
	Notification *device.Notification
	Command      *device.Command
}

// Timestamp returns the timestamp of the carried message.
func (e Event) Timestamp() time.Time {
	if e.Notification != nil {
		return e.Notification.Timestamp
	}
	if e.Command != nil {
		return e.Command.Timestamp
	}
	return time.Time{}
}

// Name returns the notification or command name.
func (e Event) Name() string {
	if e.Notification != nil {
		return e.Notification.Name
	}
	if e.Command != nil {
		return e.Command.Name
	}
	return ""
}

// Filter selects events of one kind.
type Filter struct {
	Kind Kind

	// DeviceIDs restricts events to these devices. Empty means all.
	DeviceIDs []string

	// Names restricts events to these message names. Empty means all.
	Names []string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if e.Kind != f.Kind {
		return false
	}
	if len(f.DeviceIDs) > 0 && !slices.Contains(f.DeviceIDs, e.DeviceID) {
		return false
	}
	if len(f.Names) > 0 && !slices.Contains(f.Names, e.Name()) {
		return false
	}
	return true
}

// Subscription receives matching events until closed.
type Subscription struct {
	id     uint64
	filter Filter
	hub    *Hub
	events chan Event

	mu     sync.Mutex
	lagged bool
	closed bool
}

// Events returns the event channel. It is closed when the subscription or
// the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Filter returns the subscription filter.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// TakeLagged reports whether events were dropped since the last call and
// resets the flag. A lagged subscriber should catch up from the store.
func (s *Subscription) TakeLagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lagged := s.lagged
	s.lagged = false
	return lagged
}

// Close removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// offer delivers e without blocking. Returns false when e was dropped.
func (s *Subscription) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- e:
		return true
	default:
		s.lagged = true
		return false
	}
}

// Subscribe registers a subscriber for events matching f.
//
// Returns:
//   - *Subscription: live subscription; call Close when done
//   - error: ErrClosed when the hub is closed
func (h *Hub) Subscribe(f Filter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextSub++
	s := &Subscription{
		id:     h.nextSub,
		filter: f,
		hub:    h,
		events: make(chan Event, subscriptionBuffer),
	}
	h.subs[s.id] = s
	h.metrics.setSubscribers(len(h.subs))
	return s, nil
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.setSubscribers(n)
}

// publish offers e to every matching subscriber and listener.
func (h *Hub) publish(e Event) {
	h.mu.RLock()
	var targets []*Subscription
	for _, s := range h.subs {
		if s.filter.Match(e) {
			targets = append(targets, s)
		}
	}
	listeners := h.listeners
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(e) {
			h.metrics.eventDropped()
			h.logger.Warn("subscriber lagging, event dropped", "kind", e.Kind.String(), "device_id", e.DeviceID)
		}
	}

	for _, l := range listeners {
		switch e.Kind {
		case KindNotification:
			l.NotificationInserted(e.DeviceID, *e.Notification)
		case KindCommand:
			l.CommandInserted(e.DeviceID, *e.Command)
		case KindCommandUpdate:
			l.CommandUpdated(e.DeviceID, *e.Command)
		}
	}
}
