package hub

import (
	"context"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// DefaultPollWait is the long-poll wait used when a caller gives none.
const DefaultPollWait = 30 * time.Second

// MaxPollWait bounds the long-poll wait a caller may request.
const MaxPollWait = 60 * time.Second

// PollNotifications returns notifications newer than f.After, waiting up to
// wait for the first one to arrive.
//
// The subscription is registered before the store is queried, so a
// notification inserted in between is not missed. A zero wait returns
// immediately. An empty result means the wait elapsed.
//
// Parameters:
//   - ctx: Cancels the wait
//   - f: Device, name and After filter; Take is honoured
//   - wait: Maximum time to wait for a new notification
//
// Returns:
//   - []device.DeviceNotification: matching notifications, oldest first
//   - error: ctx error, ErrClosed or storage error
func (h *Hub) PollNotifications(ctx context.Context, f device.MessageFilter, wait time.Duration) ([]device.DeviceNotification, error) {
	return pollMessages(ctx, h, Filter{Kind: KindNotification, DeviceIDs: f.DeviceIDs, Names: f.Names}, wait,
		func() ([]device.DeviceNotification, error) { return h.repo.ListNotifications(ctx, f) })
}

// PollCommands returns commands newer than f.After, waiting up to wait for
// the first one to arrive. See PollNotifications.
func (h *Hub) PollCommands(ctx context.Context, f device.MessageFilter, wait time.Duration) ([]device.DeviceCommand, error) {
	return pollMessages(ctx, h, Filter{Kind: KindCommand, DeviceIDs: f.DeviceIDs, Names: f.Names}, wait,
		func() ([]device.DeviceCommand, error) { return h.repo.ListCommands(ctx, f) })
}

func pollMessages[T any](ctx context.Context, h *Hub, filter Filter, wait time.Duration, query func() ([]T, error)) ([]T, error) {
	var sub *Subscription
	if wait > 0 {
		var err error
		if sub, err = h.Subscribe(filter); err != nil {
			return nil, err
		}
		defer sub.Close()
	}

	items, err := query()
	if err != nil || len(items) > 0 || sub == nil {
		return items, err
	}

	h.metrics.pollStarted()
	defer h.metrics.pollEnded()

	timer := time.NewTimer(min(wait, MaxPollWait))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil, ErrClosed
			}
			// Re-query so the result is ordered and honours every filter field.
			items, err := query()
			if err != nil || len(items) > 0 {
				return items, err
			}
		}
	}
}

// WaitCommandResult returns a command once the device has reported a status
// for it, waiting up to wait.
//
// Returns:
//   - *device.Command: the updated command, or nil when the wait elapsed
//   - error: device.ErrCommandNotFound, ctx error, ErrClosed or storage error
func (h *Hub) WaitCommandResult(ctx context.Context, deviceID string, id int64, wait time.Duration) (*device.Command, error) {
	var sub *Subscription
	if wait > 0 {
		var err error
		if sub, err = h.Subscribe(Filter{Kind: KindCommandUpdate, DeviceIDs: []string{deviceID}}); err != nil {
			return nil, err
		}
		defer sub.Close()
	}

	c, err := h.repo.GetCommand(ctx, deviceID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != "" || sub == nil {
		if c.Status == "" {
			return nil, nil
		}
		return c, nil
	}

	h.metrics.pollStarted()
	defer h.metrics.pollEnded()

	timer := time.NewTimer(min(wait, MaxPollWait))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil, ErrClosed
			}
			if e.Command != nil && e.Command.ID == id {
				return e.Command, nil
			}
			if sub.TakeLagged() {
				if c, err := h.repo.GetCommand(ctx, deviceID, id); err != nil || c.Status != "" {
					return c, err
				}
			}
		}
	}
}
