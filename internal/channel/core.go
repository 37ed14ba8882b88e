package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// Hooks are the transport-specific steps of subscribing and unsubscribing.
//
// Core calls them outside its locks, in this order:
//
//	BeforeSubscribe → register → AfterSubscribe
//	BeforeUnsubscribe → unregister → AfterUnsubscribe
type Hooks interface {
	// BeforeSubscribe returns the subscription id, or "" to let Core
	// generate one.
	BeforeSubscribe(ctx context.Context, sub *Subscription) (string, error)
	AfterSubscribe(ctx context.Context, sub *Subscription) error
	BeforeUnsubscribe(ctx context.Context, sub *Subscription) error
	AfterUnsubscribe(ctx context.Context, sub *Subscription) error
}

// InfoFunc fetches the server info. Core uses it for the server timestamp.
type InfoFunc func(ctx context.Context) (*protocol.APIInfo, error)

// Core is the transport-independent part of a channel: the state machine,
// the subscription table and the command correlation table. Transports embed
// it and plug in through Hooks.
//
// Thread Safety: all methods are safe for concurrent use.
type Core struct {
	hooks Hooks
	info  InfoFunc

	mu          sync.Mutex
	state       State
	reconnected chan struct{} // closed when leaving Reconnecting
	observers   []func(StateChange)
	subs        map[string]*Subscription
	order       []*Subscription
	table       *CorrelationTable

	events       serialQueue
	callbackWait time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCore creates a Disconnected core.
func NewCore(hooks Hooks, info InfoFunc) *Core {
	c := &Core{
		hooks:        hooks,
		info:         info,
		subs:         make(map[string]*Subscription),
		callbackWait: DefaultCallbackWait,
	}
	// Opening the channel installs a live table.
	c.table = NewCorrelationTable(c.callbackWait, nil)
	c.table.Close()
	return c
}

// SetLogger sets the logger for this channel.
func (c *Core) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetCommandCallbackWait sets how long an early command result waits for
// its callback. It applies from the next Open.
func (c *Core) SetCommandCallbackWait(d time.Duration) {
	c.mu.Lock()
	c.callbackWait = d
	c.mu.Unlock()
}

// State returns the current state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChanged registers a state observer.
func (c *Core) OnStateChanged(fn func(StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// SetState moves the channel to s. Setting the current state is a no-op.
// Entering Disconnected drops every subscription.
func (c *Core) SetState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// CompareAndSetState moves the channel to next only if it is in old.
func (c *Core) CompareAndSetState(old, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != old {
		return false
	}
	c.setStateLocked(next)
	return true
}

func (c *Core) setStateLocked(s State) {
	old := c.state
	if old == s {
		return
	}
	c.state = s

	if s == Reconnecting {
		c.reconnected = make(chan struct{})
	} else if c.reconnected != nil {
		close(c.reconnected)
		c.reconnected = nil
	}
	if s == Disconnected {
		c.subs = make(map[string]*Subscription)
		c.order = nil
	}

	observers := slices.Clone(c.observers)
	change := StateChange{Old: old, New: s}
	c.events.push(func() {
		for _, fn := range observers {
			c.safeCall("state observer", func() { fn(change) })
		}
	})
}

// EnsureActive returns nil if the channel is Connected. While Reconnecting
// it waits for the outcome.
func (c *Core) EnsureActive(ctx context.Context) error {
	c.mu.Lock()
	state, wait := c.state, c.reconnected
	c.mu.Unlock()

	if state == Reconnecting && wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		state = c.State()
	}
	if state != Connected {
		return fmt.Errorf("%w (state %s)", ErrNotActive, state)
	}
	return nil
}

// Subscriptions returns the active subscriptions in the order they were added.
func (c *Core) Subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// AddSubscription creates a subscription.
//
// Parameters:
//   - opts: Type and Callback are required; a zero Since starts at the
//     server's current time
//
// Returns:
//   - *Subscription: the registered subscription, carrying its id
//   - error: ErrInvalidArgument, ErrNotActive or a transport error
func (c *Core) AddSubscription(ctx context.Context, opts SubscriptionOptions) (*Subscription, error) {
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: nil subscription callback", ErrInvalidArgument)
	}
	if opts.Type != NotificationSubscription && opts.Type != CommandSubscription {
		return nil, fmt.Errorf("%w: subscription type %d", ErrInvalidArgument, opts.Type)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	sub := &Subscription{
		Type:        opts.Type,
		DeviceGUIDs: slices.Clone(opts.DeviceGUIDs),
		Names:       slices.Clone(opts.Names),
		callback:    opts.Callback,
		timestamp:   device.NormalizeTimestamp(opts.Since),
	}
	if opts.Since.IsZero() {
		info, err := c.info(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching server timestamp: %w", err)
		}
		sub.timestamp = device.NormalizeTimestamp(info.ServerTimestamp)
	}

	id, err := c.hooks.BeforeSubscribe(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	sub.ID = id

	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotActive, Disconnected)
	}
	c.subs[id] = sub
	c.order = append(c.order, sub)
	c.mu.Unlock()

	if err := c.hooks.AfterSubscribe(ctx, sub); err != nil {
		c.forget(sub)
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	return sub, nil
}

// RemoveSubscription removes a subscription. Removing a subscription the
// channel does not hold, or removing one twice, is a no-op.
func (c *Core) RemoveSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("%w: nil subscription", ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.subs[sub.ID] != sub || sub.removing {
		c.mu.Unlock()
		return nil
	}
	sub.removing = true
	c.mu.Unlock()

	if err := c.hooks.BeforeUnsubscribe(ctx, sub); err != nil {
		c.mu.Lock()
		sub.removing = false
		c.mu.Unlock()
		return fmt.Errorf("unsubscribing: %w", err)
	}
	c.forget(sub)
	return c.hooks.AfterUnsubscribe(ctx, sub)
}

func (c *Core) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.ID] != sub {
		return
	}
	delete(c.subs, sub.ID)
	c.order = slices.DeleteFunc(c.order, func(s *Subscription) bool { return s == sub })
}

// InvokeSubscriptionCallback advances the watermark of a subscription and
// queues msg for its callback.
//
// Returns:
//   - bool: false if the subscription is unknown
func (c *Core) InvokeSubscriptionCallback(subscriptionID string, ts time.Time, msg Message) bool {
	c.mu.Lock()
	sub := c.subs[subscriptionID]
	c.mu.Unlock()
	if sub == nil {
		return false
	}

	sub.advance(device.NormalizeTimestamp(ts))
	sub.queue.push(func() {
		c.safeCall("subscription callback", func() { sub.callback(msg) })
	})
	return true
}

// RegisterCommandCallback sets the callback for a command result.
func (c *Core) RegisterCommandCallback(commandID int64, callback func(*device.Command)) error {
	return c.commandTable().Register(commandID, callback)
}

// registerCommandCallback is RegisterCommandCallback returning a func that
// drops the registration again, for transports that stop waiting.
func (c *Core) registerCommandCallback(commandID int64, callback func(*device.Command)) (func(), error) {
	table := c.commandTable()
	cb, err := table.register(commandID, callback)
	if err != nil {
		return nil, err
	}
	return func() { table.remove(commandID, cb) }, nil
}

// InvokeCommandCallback delivers a command result to its callback. It may
// block until the callback is registered; see CorrelationTable.Invoke.
func (c *Core) InvokeCommandCallback(cmd *device.Command) bool {
	return c.commandTable().Invoke(cmd)
}

// AwaitCommand blocks until the result of commandID is delivered.
func (c *Core) AwaitCommand(ctx context.Context, commandID int64) (*device.Command, error) {
	return c.commandTable().Await(ctx, commandID)
}

// ResetCommandCallbacks replaces a closed correlation table. Transports
// call it from Open.
func (c *Core) ResetCommandCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table.isClosed() {
		c.table = NewCorrelationTable(c.callbackWait, c.getLogger())
	}
}

// CloseCommandCallbacks releases every command result waiter with ErrClosed.
func (c *Core) CloseCommandCallbacks() {
	c.commandTable().Close()
}

func (c *Core) commandTable() *CorrelationTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table
}

func (c *Core) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logError(what+" panicked", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

func (c *Core) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Core) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Core) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Core) logError(msg string, err error, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
