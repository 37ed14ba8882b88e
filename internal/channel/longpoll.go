package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// Long-poll defaults.
const (
	DefaultRetryInterval        = time.Second
	DefaultCommandResultTimeout = 30 * time.Second
	DefaultCommandResultRetries = 3
)

// LongPollOptions tunes a LongPollChannel. Zero fields take the defaults.
type LongPollOptions struct {
	// RetryInterval is the pause after a failed poll.
	RetryInterval time.Duration

	// CommandResultTimeout bounds the background wait for the result of a
	// command sent with a callback.
	CommandResultTimeout time.Duration

	// CommandResultRetries is the number of failed result polls tolerated
	// before the wait is abandoned.
	CommandResultRetries int
}

func (o LongPollOptions) withDefaults() LongPollOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.CommandResultTimeout <= 0 {
		o.CommandResultTimeout = DefaultCommandResultTimeout
	}
	if o.CommandResultRetries <= 0 {
		o.CommandResultRetries = DefaultCommandResultRetries
	}
	return o
}

// LongPollChannel is a Channel that runs one blocking HTTP poll loop per
// subscription.
//
// A failed poll moves a Connected channel to Reconnecting; the next poll is
// sent with waitTimeout=0 so the server answers at once. The channel returns
// to Connected once no loop is failing.
type LongPollChannel struct {
	*Core

	rest *RestClient
	opts LongPollOptions

	openMu sync.Mutex

	mu        sync.Mutex
	loops     map[string]*pollLoop
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
}

type pollLoop struct {
	sub    *Subscription
	cancel context.CancelFunc
	done   chan struct{}
	failed bool // guarded by LongPollChannel.mu
}

// NewLongPollChannel creates a Disconnected long-poll channel.
func NewLongPollChannel(rest *RestClient, opts LongPollOptions) *LongPollChannel {
	c := &LongPollChannel{
		rest:  rest,
		opts:  opts.withDefaults(),
		loops: make(map[string]*pollLoop),
	}
	c.Core = NewCore(c, rest.GetInfo)
	return c
}

// Name returns "longpolling".
func (c *LongPollChannel) Name() string { return "longpolling" }

// CanConnect always reports true: every hub serves the REST API.
func (c *LongPollChannel) CanConnect(context.Context) (bool, error) {
	return true, nil
}

// Open moves the channel to Connected. No request is made.
func (c *LongPollChannel) Open(context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if st := c.State(); st != Disconnected {
		return fmt.Errorf("%w (state %s)", ErrAlreadyOpen, st)
	}

	c.mu.Lock()
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.ResetCommandCallbacks()
	c.SetState(Connected)
	return nil
}

// Close stops every poll loop and result wait, then moves the channel to
// Disconnected.
func (c *LongPollChannel) Close() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	loops := make([]*pollLoop, 0, len(c.loops))
	for _, l := range c.loops {
		loops = append(loops, l)
	}
	c.loops = make(map[string]*pollLoop)
	cancel := c.runCancel
	c.runCtx, c.runCancel = nil, nil
	c.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	if cancel != nil {
		cancel()
	}
	c.CloseCommandCallbacks()

	for _, l := range loops {
		<-l.done
	}
	c.workers.Wait()

	c.SetState(Disconnected)
	return nil
}

// BeforeSubscribe lets Core generate the subscription id.
func (c *LongPollChannel) BeforeSubscribe(context.Context, *Subscription) (string, error) {
	return "", nil
}

// AfterSubscribe starts the poll loop of sub.
func (c *LongPollChannel) AfterSubscribe(_ context.Context, sub *Subscription) error {
	c.mu.Lock()
	if c.runCtx == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	l := &pollLoop{sub: sub, cancel: cancel, done: make(chan struct{})}
	c.loops[sub.ID] = l
	c.mu.Unlock()

	go c.poll(ctx, l)
	return nil
}

// BeforeUnsubscribe stops the poll loop of sub and waits for it to exit.
func (c *LongPollChannel) BeforeUnsubscribe(_ context.Context, sub *Subscription) error {
	c.mu.Lock()
	l := c.loops[sub.ID]
	delete(c.loops, sub.ID)
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	l.cancel()
	<-l.done

	// The removed loop may have been the last failing one.
	c.mu.Lock()
	c.updateHealthLocked()
	c.mu.Unlock()
	return nil
}

// AfterUnsubscribe has nothing left to do.
func (c *LongPollChannel) AfterUnsubscribe(context.Context, *Subscription) error {
	return nil
}

func (c *LongPollChannel) poll(ctx context.Context, l *pollLoop) {
	defer close(l.done)

	sub := l.sub
	failed := false
	for {
		since := sub.Timestamp()
		batch, err := c.fetch(ctx, sub, since, failed)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logWarn("poll failed", "subscription", sub.ID, "error", err)
			failed = true
			c.reportPoll(l, true)

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryInterval):
			}
			continue
		}

		failed = false
		c.reportPoll(l, false)

		latest := since
		for _, msg := range batch {
			ts := msg.Timestamp()
			c.InvokeSubscriptionCallback(sub.ID, ts, msg)
			if ts.After(latest) {
				latest = ts
			}
		}
		sub.advance(latest)
	}
}

func (c *LongPollChannel) fetch(ctx context.Context, sub *Subscription, since time.Time, lastFailed bool) ([]Message, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("timestamp", device.FormatTimestamp(since))
	}
	if len(sub.DeviceGUIDs) > 0 {
		query.Set("deviceGuids", strings.Join(sub.DeviceGUIDs, ","))
	}
	if len(sub.Names) > 0 {
		query.Set("names", strings.Join(sub.Names, ","))
	}
	if lastFailed {
		query.Set("waitTimeout", "0")
	}

	switch sub.Type {
	case NotificationSubscription:
		var batch []protocol.DeviceNotification
		if err := c.rest.Get(ctx, "device/notification/poll", query, &batch); err != nil {
			return nil, err
		}
		msgs := make([]Message, 0, len(batch))
		for i := range batch {
			batch[i].SubscriptionID = sub.ID
			msgs = append(msgs, &batch[i])
		}
		return msgs, nil

	case CommandSubscription:
		var batch []protocol.DeviceCommand
		if err := c.rest.Get(ctx, "device/command/poll", query, &batch); err != nil {
			return nil, err
		}
		msgs := make([]Message, 0, len(batch))
		for i := range batch {
			batch[i].SubscriptionID = sub.ID
			msgs = append(msgs, &batch[i])
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("%w: subscription type %s", ErrInvalidArgument, sub.Type)
}

func (c *LongPollChannel) reportPoll(l *pollLoop, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.failed = failed
	c.updateHealthLocked()
}

// updateHealthLocked moves between Connected and Reconnecting according to
// the poll loops. c.mu must be held.
func (c *LongPollChannel) updateHealthLocked() {
	anyFailed := false
	for _, l := range c.loops {
		if l.failed {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		c.CompareAndSetState(Connected, Reconnecting)
	} else {
		c.CompareAndSetState(Reconnecting, Connected)
	}
}

// SendNotification posts a notification for deviceGUID.
func (c *LongPollChannel) SendNotification(ctx context.Context, deviceGUID string, n *device.Notification) (*device.Notification, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: nil notification", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	var created device.Notification
	if err := c.rest.Post(ctx, devicePath(deviceGUID, "notification"), n, &created); err != nil {
		return nil, err
	}
	n.ID = created.ID
	n.Timestamp = created.Timestamp
	return n, nil
}

// SendCommand posts a command for deviceGUID. With a callback, a background
// poll waits for the result for up to CommandResultTimeout.
func (c *LongPollChannel) SendCommand(ctx context.Context, deviceGUID string, cmd *device.Command, callback func(*device.Command)) (*device.Command, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	var created device.Command
	if err := c.rest.Post(ctx, devicePath(deviceGUID, "command"), cmd, &created); err != nil {
		return nil, err
	}
	cmd.ID = created.ID
	cmd.Timestamp = created.Timestamp
	cmd.UserID = created.UserID

	if callback != nil {
		release, err := c.registerCommandCallback(cmd.ID, callback)
		if err != nil {
			return cmd, err
		}
		pollCtx, cancel := context.WithTimeout(context.Background(), c.opts.CommandResultTimeout)
		c.startResultPoll(pollCtx, cancel, deviceGUID, cmd.ID, func(error) { release() })
	}
	return cmd, nil
}

// UpdateCommand puts the status and result of cmd.
func (c *LongPollChannel) UpdateCommand(ctx context.Context, deviceGUID string, cmd *device.Command) error {
	if err := validateDevice(deviceGUID); err != nil {
		return err
	}
	if cmd == nil || cmd.ID == 0 {
		return fmt.Errorf("%w: command without id", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return err
	}

	update := device.CommandUpdate{Status: cmd.Status, Result: cmd.Result}
	return c.rest.Put(ctx, commandPath(deviceGUID, cmd.ID), update, nil)
}

// WaitCommandResult polls for the result of a command.
func (c *LongPollChannel) WaitCommandResult(ctx context.Context, deviceGUID string, commandID int64) (*device.Command, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	awaitCtx, giveUp := context.WithCancelCause(ctx)
	defer giveUp(nil)
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.startResultPoll(pollCtx, cancel, deviceGUID, commandID, giveUp)

	cmd, err := c.AwaitCommand(awaitCtx, commandID)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(awaitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return nil, cause
		}
	}
	return cmd, err
}

// startResultPoll polls for a command result until it arrives, ctx ends or
// the channel closes, and hands it to the correlation table. When the poll
// gives up while the channel is still open, onGiveUp receives the reason.
func (c *LongPollChannel) startResultPoll(ctx context.Context, cancel context.CancelFunc, deviceGUID string, commandID int64, onGiveUp func(error)) {
	c.mu.Lock()
	runCtx := c.runCtx
	if runCtx == nil {
		c.mu.Unlock()
		cancel()
		onGiveUp(ErrNotActive)
		return
	}
	c.workers.Add(1)
	c.mu.Unlock()

	stop := context.AfterFunc(runCtx, cancel)
	go func() {
		defer c.workers.Done()
		defer stop()
		defer cancel()

		cmd, err := c.pollCommandResult(ctx, deviceGUID, commandID)
		if err != nil {
			c.logDebug("command result poll ended", "command_id", commandID, "error", err)
			if runCtx.Err() == nil {
				onGiveUp(err)
			}
			return
		}
		c.InvokeCommandCallback(cmd)
	}()
}

func (c *LongPollChannel) pollCommandResult(ctx context.Context, deviceGUID string, commandID int64) (*device.Command, error) {
	path := commandPath(deviceGUID, commandID) + "/poll"
	failures := 0
	for {
		var cmd *device.Command
		err := c.rest.Get(ctx, path, nil, &cmd)
		if err == nil && cmd != nil {
			return cmd, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			continue
		}

		failures++
		if failures >= c.opts.CommandResultRetries {
			return nil, fmt.Errorf("polling result of command %d: %w", commandID, err)
		}
		c.logWarn("command result poll failed", "command_id", commandID, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func devicePath(deviceGUID, resource string) string {
	return "device/" + url.PathEscape(deviceGUID) + "/" + resource
}

func commandPath(deviceGUID string, commandID int64) string {
	return devicePath(deviceGUID, "command") + "/" + strconv.FormatInt(commandID, 10)
}
