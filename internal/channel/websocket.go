package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// DefaultRequestTimeout bounds every WebSocket request, including the
// handshake and authentication.
const DefaultRequestTimeout = 30 * time.Second

// WebSocketOptions tunes a WebSocketChannel. Zero fields take the defaults.
type WebSocketOptions struct {
	// Timeout bounds each request.
	Timeout time.Duration

	// Dialer opens the socket. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// WebSocketChannel is a Channel multiplexed over one client socket.
//
// Requests carry a requestId and wait for the matching response. Server
// pushes (notification/insert, command/insert and command/update) carry no
// requestId. When the socket closes, every pending request fails with the
// same error and the channel becomes Disconnected; it does not reconnect
// by itself.
type WebSocketChannel struct {
	*Core

	rest *RestClient
	opts WebSocketOptions

	openMu sync.Mutex

	// connMu guards conn, readDone and abortOpen, and serializes writes.
	connMu   sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}

	// abortOpen is set while Open dials and authenticates.
	abortOpen context.CancelCauseFunc

	reqMu    sync.Mutex
	requests map[string]chan wsResult // nil while no socket is open
}

type wsResult struct {
	env protocol.Envelope
	err error
}

// NewWebSocketChannel creates a Disconnected WebSocket channel.
func NewWebSocketChannel(rest *RestClient, opts WebSocketOptions) *WebSocketChannel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &WebSocketChannel{rest: rest, opts: opts}
	c.Core = NewCore(c, rest.GetInfo)
	return c
}

// Name returns "websocket".
func (c *WebSocketChannel) Name() string { return "websocket" }

// CanConnect reports whether the server advertises a WebSocket endpoint.
func (c *WebSocketChannel) CanConnect(ctx context.Context) (bool, error) {
	info, err := c.rest.GetInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.WebSocketServerURL != "", nil
}

// Open dials <webSocketServerUrl>/client and authenticates with the
// connection credentials.
//
// Returns:
//   - ErrAuthentication wrapping the *ServerError when the hub rejects the
//     credentials
//   - ErrTimeout when the dial or the authenticate reply takes longer than
//     the request timeout
//   - ErrClosed when Close interrupts the open
func (c *WebSocketChannel) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if st := c.State(); st != Disconnected {
		return fmt.Errorf("%w (state %s)", ErrAlreadyOpen, st)
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancelTimeout()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	c.connMu.Lock()
	c.abortOpen = abort
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.abortOpen = nil
		c.connMu.Unlock()
	}()

	info, err := c.rest.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching server info: %w", openFailure(ctx, err))
	}
	if info.WebSocketServerURL == "" {
		return ErrUnsupported
	}
	target := strings.TrimRight(info.WebSocketServerURL, "/") + "/client"

	c.SetState(Connecting)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake body is not used
	}
	if err != nil {
		c.SetState(Disconnected)
		return fmt.Errorf("dialing %s: %w", target, openFailure(ctx, err))
	}

	c.ResetCommandCallbacks()
	c.reqMu.Lock()
	c.requests = make(map[string]chan wsResult)
	c.reqMu.Unlock()

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.readDone = done
	c.connMu.Unlock()
	go c.readLoop(conn, done)

	if err := c.authenticate(ctx); err != nil {
		c.closeConn(conn, done)
		var serr *ServerError
		if errors.As(err, &serr) {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return fmt.Errorf("authenticating: %w", openFailure(ctx, err))
	}
	if !c.CompareAndSetState(Connecting, Connected) {
		return ErrConnectionClosed
	}
	c.logDebug("websocket channel connected", "url", target)
	return nil
}

// openFailure maps an aborted or expired open context onto ErrClosed or
// ErrTimeout. ctx is the open context.
func openFailure(ctx context.Context, err error) error {
	switch {
	case errors.Is(context.Cause(ctx), ErrClosed):
		return ErrClosed
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (c *WebSocketChannel) authenticate(ctx context.Context) error {
	info := c.rest.Info()
	fields := map[string]any{}
	switch {
	case info.AccessKey != "":
		fields[protocol.FieldAccessKey] = info.AccessKey
	case info.Login != "":
		fields[protocol.FieldLogin] = info.Login
		fields[protocol.FieldPassword] = info.Password
	}
	_, err := c.request(ctx, protocol.ActionAuthenticate, fields)
	return err
}

// Close closes the socket and waits for the read loop to finish. An Open
// in progress is aborted first and returns ErrClosed.
func (c *WebSocketChannel) Close() error {
	c.connMu.Lock()
	abort := c.abortOpen
	c.connMu.Unlock()
	if abort != nil {
		abort(ErrClosed)
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.connMu.Lock()
	conn, done := c.conn, c.readDone
	c.connMu.Unlock()

	if conn == nil {
		c.SetState(Disconnected)
		return nil
	}
	c.closeConn(conn, done)
	return nil
}

func (c *WebSocketChannel) closeConn(conn *websocket.Conn, done chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close() //nolint:errcheck // the read loop reports the close
	<-done
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logWarn("dropping malformed message", "error", err)
			continue
		}
		if id := env.RequestID(); id != "" {
			c.resolve(id, env)
			continue
		}
		c.handleEvent(env)
	}
}

// handleClose fails every pending request with one shared error and moves
// the channel to Disconnected.
func (c *WebSocketChannel) handleClose(conn *websocket.Conn, cause error) {
	closeErr := fmt.Errorf("%w: %w", ErrConnectionClosed, cause)

	c.reqMu.Lock()
	pending := c.requests
	c.requests = nil
	c.reqMu.Unlock()
	for _, ch := range pending {
		ch <- wsResult{err: closeErr}
	}

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close() //nolint:errcheck // already closed by the peer or by Close

	c.CloseCommandCallbacks()
	c.SetState(Disconnected)
	c.logDebug("websocket channel closed", "cause", cause, "pending_requests", len(pending))
}

func (c *WebSocketChannel) resolve(requestID string, env protocol.Envelope) {
	c.reqMu.Lock()
	ch, ok := c.requests[requestID]
	delete(c.requests, requestID)
	c.reqMu.Unlock()

	if !ok {
		c.logDebug("dropping response to unknown request", "request_id", requestID)
		return
	}
	ch <- wsResult{env: env}
}

func (c *WebSocketChannel) handleEvent(env protocol.Envelope) {
	switch action := env.Action(); action {
	case protocol.ActionNotificationInsert:
		var n device.Notification
		if ok, err := env.Decode(protocol.FieldNotification, &n); !ok || err != nil {
			c.logWarn("dropping notification event", "error", err)
			return
		}
		msg := &protocol.DeviceNotification{
			SubscriptionID: env.String(protocol.FieldSubscriptionID),
			DeviceGUID:     env.String(protocol.FieldDeviceGUID),
			Notification:   &n,
		}
		c.InvokeSubscriptionCallback(msg.SubscriptionID, n.Timestamp, msg)

	case protocol.ActionCommandInsert:
		var cmd device.Command
		if ok, err := env.Decode(protocol.FieldCommand, &cmd); !ok || err != nil {
			c.logWarn("dropping command event", "error", err)
			return
		}
		msg := &protocol.DeviceCommand{
			SubscriptionID: env.String(protocol.FieldSubscriptionID),
			DeviceGUID:     env.String(protocol.FieldDeviceGUID),
			Command:        &cmd,
		}
		c.InvokeSubscriptionCallback(msg.SubscriptionID, cmd.Timestamp, msg)

	case protocol.ActionCommandUpdate:
		var cmd device.Command
		if ok, err := env.Decode(protocol.FieldCommand, &cmd); !ok || err != nil {
			c.logWarn("dropping command update event", "error", err)
			return
		}
		// Invoke may wait for the callback to be registered.
		go c.InvokeCommandCallback(&cmd)

	default:
		c.logDebug("ignoring server event", "action", action)
	}
}

// request sends an action and waits for the response with the same requestId.
func (c *WebSocketChannel) request(ctx context.Context, action string, fields map[string]any) (protocol.Envelope, error) {
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(action, id, fields)
	if err != nil {
		return nil, err
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	ch := make(chan wsResult, 1)
	c.reqMu.Lock()
	if c.requests == nil {
		c.reqMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.requests[id] = ch
	c.reqMu.Unlock()

	if err := c.write(data); err != nil {
		c.dropRequest(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Status() == protocol.StatusError {
			return nil, &ServerError{Message: res.env.Err()}
		}
		return res.env, nil
	case <-timer.C:
		c.dropRequest(id)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, action)
	case <-ctx.Done():
		c.dropRequest(id)
		return nil, ctx.Err()
	}
}

func (c *WebSocketChannel) dropRequest(id string) {
	c.reqMu.Lock()
	if c.requests != nil {
		delete(c.requests, id)
	}
	c.reqMu.Unlock()
}

func (c *WebSocketChannel) write(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// BeforeSubscribe sends the subscribe action and returns the server's
// subscription id.
func (c *WebSocketChannel) BeforeSubscribe(ctx context.Context, sub *Subscription) (string, error) {
	action := protocol.ActionNotificationSubscribe
	if sub.Type == CommandSubscription {
		action = protocol.ActionCommandSubscribe
	}

	fields := map[string]any{protocol.FieldTimestamp: device.FormatTimestamp(sub.Timestamp())}
	if sub.DeviceGUIDs != nil {
		fields[protocol.FieldDeviceGUIDs] = sub.DeviceGUIDs
	}
	if sub.Names != nil {
		fields[protocol.FieldNames] = sub.Names
	}

	env, err := c.request(ctx, action, fields)
	if err != nil {
		return "", err
	}
	return env.String(protocol.FieldSubscriptionID), nil
}

// AfterSubscribe has nothing to do; the server pushes events.
func (c *WebSocketChannel) AfterSubscribe(context.Context, *Subscription) error {
	return nil
}

// BeforeUnsubscribe sends the unsubscribe action.
func (c *WebSocketChannel) BeforeUnsubscribe(ctx context.Context, sub *Subscription) error {
	action := protocol.ActionNotificationUnsubscribe
	if sub.Type == CommandSubscription {
		action = protocol.ActionCommandUnsubscribe
	}
	_, err := c.request(ctx, action, map[string]any{protocol.FieldSubscriptionID: sub.ID})
	return err
}

// AfterUnsubscribe has nothing to do.
func (c *WebSocketChannel) AfterUnsubscribe(context.Context, *Subscription) error {
	return nil
}

// SendNotification sends notification/insert.
func (c *WebSocketChannel) SendNotification(ctx context.Context, deviceGUID string, n *device.Notification) (*device.Notification, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: nil notification", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	env, err := c.request(ctx, protocol.ActionNotificationInsert, map[string]any{
		protocol.FieldDeviceGUID:   deviceGUID,
		protocol.FieldNotification: n,
	})
	if err != nil {
		return nil, err
	}
	var created device.Notification
	if _, err := env.Decode(protocol.FieldNotification, &created); err != nil {
		return nil, err
	}
	n.ID = created.ID
	n.Timestamp = created.Timestamp
	return n, nil
}

// SendCommand sends command/insert. The callback fires on the matching
// command/update push.
func (c *WebSocketChannel) SendCommand(ctx context.Context, deviceGUID string, cmd *device.Command, callback func(*device.Command)) (*device.Command, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}

	env, err := c.request(ctx, protocol.ActionCommandInsert, map[string]any{
		protocol.FieldDeviceGUID: deviceGUID,
		protocol.FieldCommand:    cmd,
	})
	if err != nil {
		return nil, err
	}
	var created device.Command
	if _, err := env.Decode(protocol.FieldCommand, &created); err != nil {
		return nil, err
	}
	cmd.ID = created.ID
	cmd.Timestamp = created.Timestamp
	cmd.UserID = created.UserID

	if callback != nil {
		if err := c.RegisterCommandCallback(cmd.ID, callback); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}

// UpdateCommand sends command/update.
func (c *WebSocketChannel) UpdateCommand(ctx context.Context, deviceGUID string, cmd *device.Command) error {
	if err := validateDevice(deviceGUID); err != nil {
		return err
	}
	if cmd == nil || cmd.ID == 0 {
		return fmt.Errorf("%w: command without id", ErrInvalidArgument)
	}
	if err := c.EnsureActive(ctx); err != nil {
		return err
	}

	_, err := c.request(ctx, protocol.ActionCommandUpdate, map[string]any{
		protocol.FieldDeviceGUID: deviceGUID,
		protocol.FieldCommandID:  cmd.ID,
		protocol.FieldCommand:    device.CommandUpdate{Status: cmd.Status, Result: cmd.Result},
	})
	return err
}

// WaitCommandResult waits for the command/update push of a command.
func (c *WebSocketChannel) WaitCommandResult(ctx context.Context, deviceGUID string, commandID int64) (*device.Command, error) {
	if err := validateDevice(deviceGUID); err != nil {
		return nil, err
	}
	if err := c.EnsureActive(ctx); err != nil {
		return nil, err
	}
	return c.AwaitCommand(ctx, commandID)
}
