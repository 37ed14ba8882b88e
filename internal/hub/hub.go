package hub

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// Server-originated notification names and the device status notification.
const (
	NotificationDeviceAdd    = "$device-add"
	NotificationDeviceUpdate = "$device-update"
	NotificationDeviceStatus = "deviceStatus"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Listener observes stored messages. Calls are made synchronously after the
// message is stored and must not block.
type Listener interface {
	NotificationInserted(deviceID string, n device.Notification)
	CommandInserted(deviceID string, c device.Command)
	CommandUpdated(deviceID string, c device.Command)
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithListener adds a message listener.
func WithListener(l Listener) Option {
	return func(h *Hub) { h.listeners = append(h.listeners, l) }
}

// Hub stores messages and fans them out to subscribers.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	repo    device.Repository
	logger  Logger
	metrics *Metrics

	// insertMu serialises timestamp assignment and storage of messages.
	insertMu sync.Mutex
	last     time.Time

	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextSub   uint64
	listeners []Listener
	closed    bool
	done      chan struct{}
}

// New creates a hub over a repository.
func New(repo device.Repository, opts ...Option) *Hub {
	h := &Hub{
		repo:   repo,
		logger: noopLogger{},
		subs:   make(map[uint64]*Subscription),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddListener registers a listener after construction.
func (h *Hub) AddListener(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Close ends every subscription and wakes all waiting polls.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.metrics.setSubscribers(0)
	return nil
}

// Done is closed when the hub is closed.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Now returns the current server timestamp.
func (h *Hub) Now() time.Time {
	return device.NormalizeTimestamp(time.Now())
}

// stamp returns a timestamp strictly after every one handed out before.
// The caller must hold insertMu.
func (h *Hub) stamp() time.Time {
	t := device.NormalizeTimestamp(time.Now())
	if !t.After(h.last) {
		t = h.last.Add(time.Microsecond)
	}
	h.last = t
	return t
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Ping checks that the hub is open and the repository reachable.
func (h *Hub) Ping(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}
	_, err := h.repo.ListNetworks(ctx)
	return err
}
