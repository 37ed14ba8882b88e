package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// WebSocket endpoints.
const (
	endpointClient = "client"
	endpointDevice = "device"
)

// wsSendBufferSize is the per-connection outbound message buffer size.
const wsSendBufferSize = 256

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// connRegistry tracks open WebSocket connections so they can be closed on
// shutdown.
type connRegistry struct {
	logger  *logging.Logger
	metrics *serverMetrics
	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closed  bool
}

func newConnRegistry(logger *logging.Logger, metrics *serverMetrics) *connRegistry {
	return &connRegistry{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[*wsConn]struct{}),
	}
}

// add registers c. It returns false once the registry is closed.
func (r *connRegistry) add(c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	r.metrics.wsOpened(c.endpoint)
	r.logger.Debug("websocket connected", "endpoint", c.endpoint, "connections", len(r.conns))
	return true
}

// remove unregisters c. Only the first call for a connection has an effect.
func (r *connRegistry) remove(c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	r.metrics.wsClosed(c.endpoint)
	r.logger.Debug("websocket disconnected", "endpoint", c.endpoint, "connections", len(r.conns))
}

func (r *connRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll disconnects every connection and refuses new ones.
func (r *connRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*wsConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// wsHandler handles one request action. The returned fields are sent in the
// success reply; after, when set, runs once the reply is queued.
type wsHandler func(c *wsConn, env protocol.Envelope) (fields map[string]any, after func(), err error)

// wsConn is one WebSocket connection on the /client or /device endpoint.
//
// Requests are handled in order on the read goroutine. Replies and pushed
// events share the send queue drained by the write goroutine.
type wsConn struct {
	server   *Server
	endpoint string
	actions  map[string]wsHandler
	conn     *websocket.Conn
	logger   *logging.Logger
	info     protocol.APIInfo
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	principal *Principal
	subs      map[string]*wsSubscription
	updates   *commandWatch
}

// handleClientSocket upgrades a client connection. Credentials may be sent
// on the upgrade request or later with the authenticate action.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, endpointClient, clientActions)
}

// handleDeviceSocket upgrades a device connection. Devices authenticate with
// the Auth-DeviceID and Auth-DeviceKey headers or the authenticate action.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, endpointDevice, deviceActions)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, endpoint string, actions map[string]wsHandler) {
	p, err := s.authenticate(r)
	if err != nil {
		s.metrics.authFailed("websocket")
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if endpoint == endpointDevice && p != nil && p.Device == nil {
		writeForbidden(w, "the device endpoint requires device credentials")
		return
	}
	info := s.info(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &wsConn{
		server:    s,
		endpoint:  endpoint,
		actions:   actions,
		conn:      conn,
		logger:    s.logger.With("endpoint", endpoint, "remote", r.RemoteAddr),
		info:      info,
		send:      make(chan []byte, wsSendBufferSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		principal: p,
		subs:      make(map[string]*wsSubscription),
	}
	if !s.conns.add(c) {
		cancel()
		conn.Close() //nolint:errcheck // server is shutting down
		return
	}

	go c.writePump()
	go c.readPump()
}

// close ends every subscription on the connection and stops the write
// goroutine, which closes the socket. Safe to call more than once.
func (c *wsConn) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		updates := c.updates
		c.mu.Unlock()

		for _, sub := range subs {
			sub.stop()
			c.server.metrics.subscriptionRemoved()
		}
		if updates != nil {
			updates.sub.Close()
		}
		c.server.conns.remove(c)
	})
}

// readPump reads requests from the WebSocket connection.
func (c *wsConn) readPump() {
	defer c.close()

	if limit := c.server.wsCfg.MaxMessageSize; limit > 0 {
		c.conn.SetReadLimit(int64(limit))
	}
	pingInterval, pongWait := c.server.wsTimings()
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			} else {
				c.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages and pings to the WebSocket connection.
func (c *wsConn) writePump() {
	pingInterval, pongWait := c.server.wsTimings()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // connection is being discarded
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			//nolint:errcheck // Best-effort close message
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// wsTimings returns the ping interval and pong timeout, with defaults for
// unset values.
func (s *Server) wsTimings() (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait = time.Duration(s.wsCfg.PongTimeout) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}
	return pingInterval, pongWait
}

// enqueue queues a frame, waiting while the send buffer is full.
// It returns false once the connection is closed.
func (c *wsConn) enqueue(env protocol.Envelope) bool {
	data, err := env.Marshal()
	if err != nil {
		c.logger.Error("failed to marshal websocket frame", "action", env.Action(), "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// handleMessage dispatches one request and queues its reply.
func (c *wsConn) handleMessage(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.enqueue(protocol.Envelope{}.ReplyError("malformed message"))
		return
	}

	action := env.Action()
	h, ok := c.actions[action]
	if !ok {
		c.server.metrics.wsRequest("unknown", protocol.StatusError)
		c.enqueue(env.ReplyError("unknown action: " + action))
		return
	}
	if action != protocol.ActionAuthenticate && action != protocol.ActionServerInfo && c.currentPrincipal() == nil {
		c.server.metrics.wsRequest(action, protocol.StatusError)
		c.enqueue(env.ReplyError("authentication required"))
		return
	}

	fields, after, err := h(c, env)
	if err != nil {
		c.server.metrics.wsRequest(action, protocol.StatusError)
		c.enqueue(env.ReplyError(c.errorMessage(action, err)))
		return
	}
	reply, err := env.Reply(fields)
	if err != nil {
		c.logger.Error("failed to build reply", "action", action, "error", err)
		c.enqueue(env.ReplyError("internal server error"))
		return
	}
	c.server.metrics.wsRequest(action, protocol.StatusSuccess)
	if c.enqueue(reply) && after != nil {
		after()
	}
}

// errorMessage returns the message reported for err. Internal errors are
// logged and reported without detail.
func (c *wsConn) errorMessage(action string, err error) string {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.msg
	}
	if status, _ := errorStatus(err); status == http.StatusInternalServerError {
		c.logger.Error("websocket request failed", "action", action, "error", err)
		return "internal server error"
	}
	return err.Error()
}

func (c *wsConn) currentPrincipal() *Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *wsConn) setPrincipal(p *Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// requestError is a client mistake reported verbatim.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// isClosed reports whether err means the hub or connection is going away.
func isClosed(err error) bool {
	return errors.Is(err, hub.ErrClosed) || errors.Is(err, context.Canceled)
}
