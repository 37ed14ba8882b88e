package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/nerrad567/hivehub/internal/channel"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// ConnectionInfo holds the hub address and credentials.
type ConnectionInfo = channel.ConnectionInfo

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     channel.Logger
	longPoll   channel.LongPollOptions
	webSocket  channel.WebSocketOptions
}

// WithHTTPClient sets the HTTP client used for REST calls and long polls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLogger sets the logger for the client and its default channels.
func WithLogger(l channel.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLongPollOptions tunes the default long-poll channel.
func WithLongPollOptions(lp channel.LongPollOptions) Option {
	return func(o *options) { o.longPoll = lp }
}

// WithWebSocketOptions tunes the default WebSocket channel.
func WithWebSocketOptions(ws channel.WebSocketOptions) Option {
	return func(o *options) { o.webSocket = ws }
}

// Client is the facade applications use to talk to the hub.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	rest   *channel.RestClient
	logger channel.Logger

	// openMu serializes opening, closing and replacing channels.
	openMu sync.Mutex

	mu        sync.Mutex
	available []channel.Channel
	active    channel.Channel
	wired     map[channel.Channel]bool
	observers []func(channel.StateChange)
}

// New creates a client with the default channels: WebSocket, then long polling.
//
// Returns:
//   - error: if the service URL is empty or malformed
func New(info ConnectionInfo, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rest, err := channel.NewRestClient(info, o.httpClient)
	if err != nil {
		return nil, err
	}

	c := &Client{rest: rest, logger: o.logger, wired: make(map[channel.Channel]bool)}

	ws := channel.NewWebSocketChannel(rest, o.webSocket)
	lp := channel.NewLongPollChannel(rest, o.longPoll)
	if o.logger != nil {
		ws.SetLogger(o.logger)
		lp.SetLogger(o.logger)
	}
	if err := c.SetAvailableChannels(ws, lp); err != nil {
		return nil, err
	}
	return c, nil
}

// Rest returns the REST client shared by the client and its channels.
func (c *Client) Rest() *channel.RestClient {
	return c.rest
}

// SetAvailableChannels replaces the channels OpenChannel chooses from, in
// order of preference. It fails with ErrChannelOpen while a channel is open.
func (c *Client) SetAvailableChannels(channels ...channel.Channel) error {
	if len(channels) == 0 {
		return ErrNoChannels
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.State() != channel.Disconnected {
		return ErrChannelOpen
	}
	for _, ch := range channels {
		if c.wired[ch] {
			continue
		}
		c.wired[ch] = true
		ch.OnStateChanged(func(change channel.StateChange) { c.relay(ch, change) })
	}
	c.available = slices.Clone(channels)
	c.active = nil
	return nil
}

// AvailableChannels returns the channels in order of preference.
func (c *Client) AvailableChannels() []channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.available)
}

// Channel returns the current channel, or nil before OpenChannel.
func (c *Client) Channel() channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ChannelState returns the state of the current channel.
func (c *Client) ChannelState() channel.State {
	if ch := c.Channel(); ch != nil {
		return ch.State()
	}
	return channel.Disconnected
}

// OnChannelStateChanged registers an observer for state changes of the
// current channel.
func (c *Client) OnChannelStateChanged(fn func(channel.StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Client) relay(ch channel.Channel, change channel.StateChange) {
	c.mu.Lock()
	if c.active != ch {
		c.mu.Unlock()
		return
	}
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	// Already on the channel's observer goroutine; keep the order.
	for _, fn := range observers {
		fn(change)
	}
}

// OpenChannel returns the current channel if it is not Disconnected.
// Otherwise it opens the first available channel the server supports.
//
// Returns:
//   - error: wraps channel.ErrNoChannel when no channel could be opened
func (c *Client) OpenChannel(ctx context.Context) (channel.Channel, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	active := c.active
	available := slices.Clone(c.available)
	c.mu.Unlock()

	if active != nil && active.State() != channel.Disconnected {
		return active, nil
	}

	var errs []error
	for _, ch := range available {
		ok, err := ch.CanConnect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		if !ok {
			continue
		}

		c.mu.Lock()
		c.active = ch
		c.mu.Unlock()

		if err := ch.Open(ctx); err != nil {
			c.mu.Lock()
			c.active = nil
			c.mu.Unlock()
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			c.logWarn("channel failed to open", "channel", ch.Name(), "error", err)
			continue
		}
		c.logInfo("channel opened", "channel", ch.Name())
		return ch, nil
	}

	if len(errs) == 0 {
		return nil, channel.ErrNoChannel
	}
	return nil, fmt.Errorf("%w: %w", channel.ErrNoChannel, errors.Join(errs...))
}

// CloseChannel closes the current channel. Subscriptions are dropped.
func (c *Client) CloseChannel() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	ch := c.Channel()
	if ch == nil {
		return nil
	}
	err := ch.Close()

	c.mu.Lock()
	if c.active == ch {
		c.active = nil
	}
	c.mu.Unlock()
	return err
}

// AddNotificationSubscription subscribes to notifications. Nil filters match everything.
func (c *Client) AddNotificationSubscription(ctx context.Context, deviceGUIDs, names []string, callback func(*protocol.DeviceNotification)) (*channel.Subscription, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: nil callback", channel.ErrInvalidArgument)
	}
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.AddSubscription(ctx, channel.SubscriptionOptions{
		Type:        channel.NotificationSubscription,
		DeviceGUIDs: deviceGUIDs,
		Names:       names,
		Callback: func(m channel.Message) {
			if n, ok := m.(*protocol.DeviceNotification); ok {
				callback(n)
			}
		},
	})
}

// AddCommandSubscription subscribes to commands. Nil filters match everything.
func (c *Client) AddCommandSubscription(ctx context.Context, deviceGUIDs, names []string, callback func(*protocol.DeviceCommand)) (*channel.Subscription, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: nil callback", channel.ErrInvalidArgument)
	}
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.AddSubscription(ctx, channel.SubscriptionOptions{
		Type:        channel.CommandSubscription,
		DeviceGUIDs: deviceGUIDs,
		Names:       names,
		Callback: func(m channel.Message) {
			if cmd, ok := m.(*protocol.DeviceCommand); ok {
				callback(cmd)
			}
		},
	})
}

// RemoveSubscription removes a subscription from the current channel.
func (c *Client) RemoveSubscription(ctx context.Context, sub *channel.Subscription) error {
	ch := c.Channel()
	if ch == nil {
		return nil
	}
	return ch.RemoveSubscription(ctx, sub)
}

// SendNotification sends a notification on behalf of a device.
func (c *Client) SendNotification(ctx context.Context, deviceGUID string, n *device.Notification) (*device.Notification, error) {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.SendNotification(ctx, deviceGUID, n)
}

// SendCommand sends a command to a device. A non-nil callback receives the
// command once the device reports its result.
func (c *Client) SendCommand(ctx context.Context, deviceGUID string, cmd *device.Command, callback func(*device.Command)) (*device.Command, error) {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.SendCommand(ctx, deviceGUID, cmd, callback)
}

// UpdateCommand reports the status and result of a command.
func (c *Client) UpdateCommand(ctx context.Context, deviceGUID string, cmd *device.Command) error {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return err
	}
	return ch.UpdateCommand(ctx, deviceGUID, cmd)
}

// WaitCommandResult blocks until the device reports the result of a command.
func (c *Client) WaitCommandResult(ctx context.Context, deviceGUID string, commandID int64) (*device.Command, error) {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.WaitCommandResult(ctx, deviceGUID, commandID)
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}
