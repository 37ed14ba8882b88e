package devicehost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/channel"
	"github.com/nerrad567/hivehub/internal/client"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// ClientService implements DeviceService on top of a hub client. Messaging
// goes over the client's open channel; device records use the REST API.
//
// Thread Safety: all methods are safe for concurrent use.
type ClientService struct {
	client *client.Client

	mu        sync.Mutex
	subs      map[string]*channel.Subscription
	onCommand []func(string, device.Command)
	onClosed  []func()
	closing   bool
}

var _ DeviceService = (*ClientService)(nil)

// NewClientService creates a service that uses c.
func NewClientService(c *client.Client) *ClientService {
	s := &ClientService{client: c, subs: make(map[string]*channel.Subscription)}
	c.OnChannelStateChanged(s.handleStateChange)
	return s
}

// Close closes the client channel. Observers registered with
// OnConnectionClosed are not called for this close.
func (s *ClientService) Close() error {
	s.mu.Lock()
	s.closing = true
	s.subs = make(map[string]*channel.Subscription)
	s.mu.Unlock()
	return s.client.CloseChannel()
}

func (s *ClientService) ensureChannel(ctx context.Context) (channel.Channel, error) {
	if ch := s.client.Channel(); ch != nil && ch.State() == channel.Connected {
		return ch, nil
	}
	s.mu.Lock()
	s.closing = false
	s.mu.Unlock()
	return s.client.OpenChannel(ctx)
}

// GetDevice returns the device if key matches its stored key.
func (s *ClientService) GetDevice(ctx context.Context, id, key string) (*device.Device, error) {
	d, err := s.client.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Key != "" && d.Key != key {
		return nil, fmt.Errorf("%w: device %s", device.ErrKeyMismatch, id)
	}
	return d, nil
}

// RegisterDevice registers or updates the device.
func (s *ClientService) RegisterDevice(ctx context.Context, d *device.Device) error {
	if err := device.ValidateDevice(d); err != nil {
		return err
	}
	return s.client.UpdateDevice(ctx, d)
}

// UpdateDevice updates a registered device.
func (s *ClientService) UpdateDevice(ctx context.Context, d *device.Device) error {
	return s.client.UpdateDevice(ctx, d)
}

func (s *ClientService) SendNotification(ctx context.Context, deviceID, _ string, n *device.Notification) (*device.Notification, error) {
	ch, err := s.ensureChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.SendNotification(ctx, deviceID, n)
}

// PollCommands repeats the server long poll until a command arrives or ctx ends.
func (s *ClientService) PollCommands(ctx context.Context, deviceID, _ string, since time.Time) ([]device.Command, error) {
	for {
		cmds, err := s.client.PollCommands(ctx, deviceID, since)
		if err != nil {
			return nil, err
		}
		if len(cmds) > 0 {
			return cmds, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// SubscribeToCommands subscribes to the device's commands. Subscribing a
// device twice keeps the first subscription.
func (s *ClientService) SubscribeToCommands(ctx context.Context, deviceID, _ string) error {
	s.mu.Lock()
	_, ok := s.subs[deviceID]
	s.mu.Unlock()
	if ok {
		return nil
	}

	ch, err := s.ensureChannel(ctx)
	if err != nil {
		return err
	}
	sub, err := ch.AddSubscription(ctx, channel.SubscriptionOptions{
		Type:        channel.CommandSubscription,
		DeviceGUIDs: []string{deviceID},
		Callback:    s.deliver,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, dup := s.subs[deviceID]; !dup {
		s.subs[deviceID] = sub
		sub = nil
	}
	s.mu.Unlock()

	if sub != nil {
		return ch.RemoveSubscription(ctx, sub)
	}
	return nil
}

// UnsubscribeFromCommands removes the device's command subscription.
func (s *ClientService) UnsubscribeFromCommands(ctx context.Context, deviceID, _ string) error {
	s.mu.Lock()
	sub, ok := s.subs[deviceID]
	delete(s.subs, deviceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	ch := s.client.Channel()
	if ch == nil {
		return nil
	}
	err := ch.RemoveSubscription(ctx, sub)
	if errors.Is(err, channel.ErrNotActive) {
		return nil
	}
	return err
}

func (s *ClientService) UpdateCommand(ctx context.Context, deviceID, _ string, cmd *device.Command) error {
	ch, err := s.ensureChannel(ctx)
	if err != nil {
		return err
	}
	return ch.UpdateCommand(ctx, deviceID, cmd)
}

func (s *ClientService) OnCommandInserted(fn func(deviceID string, cmd device.Command)) {
	s.mu.Lock()
	s.onCommand = append(s.onCommand, fn)
	s.mu.Unlock()
}

func (s *ClientService) OnConnectionClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = append(s.onClosed, fn)
	s.mu.Unlock()
}

func (s *ClientService) deliver(m channel.Message) {
	dc, ok := m.(*protocol.DeviceCommand)
	if !ok || dc.Command == nil {
		return
	}
	s.mu.Lock()
	observers := slices.Clone(s.onCommand)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(dc.DeviceGUID, *dc.Command)
	}
}

func (s *ClientService) handleStateChange(change channel.StateChange) {
	if change.New != channel.Disconnected {
		return
	}
	if change.Old != channel.Connected && change.Old != channel.Reconnecting {
		return
	}

	s.mu.Lock()
	s.subs = make(map[string]*channel.Subscription)
	if s.closing {
		s.mu.Unlock()
		return
	}
	observers := slices.Clone(s.onClosed)
	s.mu.Unlock()

	go func() {
		for _, fn := range observers {
			fn()
		}
	}()
}
