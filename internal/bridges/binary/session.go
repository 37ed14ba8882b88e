package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// CommandResult is the payload of an IntentNotifyCommandResult frame.
type CommandResult struct {
	CommandID int32
	Status    string
	Result    string
}

// MarshalBinary encodes r as an IntentNotifyCommandResult payload.
func (r CommandResult) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u32(uint32(r.CommandID)) //nolint:gosec // two's complement
	e.str(r.Status)
	e.str(r.Result)
	return e.Bytes()
}

// SessionHandler receives the events decoded by a Session.
//
// Handlers run on the session's read goroutine. A returned error is logged
// and does not end the session.
type SessionHandler interface {
	HandleRegistration(ctx context.Context, s *Session, reg *Registration) error
	HandleCommandResult(ctx context.Context, s *Session, res CommandResult) error
	HandleNotification(ctx context.Context, s *Session, n *device.Notification) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// SessionStats holds per-connection counters.
type SessionStats struct {
	FramesRx      uint64
	FramesTx      uint64
	Notifications uint64
	Commands      uint64
	HandlerErrors uint64
	LastActivity  time.Time
	Registered    bool
}

// Session is the per-connection state machine of the binary protocol.
//
// It turns frames read from the connection into registration,
// command-result and notification events, and encodes commands back into
// frames using the intent mapping from the device's registration. The
// mapping lives only as long as the session.
//
// Thread Safety:
//   - Writes are serialised; RequestRegistration and SendCommand may be
//     called from any goroutine.
//   - Run must be called once.
type Session struct {
	conn    io.ReadWriteCloser
	handler SessionHandler

	writeMu sync.Mutex

	mu            sync.RWMutex
	reg           *Registration
	notifications map[uint16]MessageMetadata
	commands      map[string]MessageMetadata

	done *closeOnce

	logger   Logger
	loggerMu sync.RWMutex

	framesRx      atomic.Uint64
	framesTx      atomic.Uint64
	notifyCount   atomic.Uint64
	commandCount  atomic.Uint64
	handlerErrors atomic.Uint64
	lastActivity  atomic.Int64
}

// NewSession creates a session over conn. The session owns conn and closes
// it when Run returns or Close is called.
func NewSession(conn io.ReadWriteCloser, handler SessionHandler) *Session {
	return &Session{
		conn:    conn,
		handler: handler,
		done:    newCloseOnce(),
	}
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Run reads frames until the connection fails, a protocol error occurs,
// ctx is cancelled or Close is called.
//
// Returns:
//   - error: nil after Close or ctx cancellation, io.EOF when the peer
//     closed the connection, or the protocol/read error that ended the session
func (s *Session) Run(ctx context.Context) error {
	defer s.Close() //nolint:errcheck // best-effort

	stop := context.AfterFunc(ctx, func() { s.Close() }) //nolint:errcheck // best-effort
	defer stop()

	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.framesRx.Add(1)
		s.lastActivity.Store(time.Now().Unix())

		if err := s.dispatch(ctx, msg); err != nil {
			if s.isClosed() {
				return nil
			}
			s.logError("binary session ended", err)
			return err
		}
	}
}

// dispatch routes one frame. Errors returned are fatal to the session;
// handler errors are logged here.
func (s *Session) dispatch(ctx context.Context, msg *Message) error {
	switch msg.Intent {
	case IntentRegister, IntentRegister2:
		var reg *Registration
		var err error
		if msg.Intent == IntentRegister {
			reg, err = DecodeRegistration(msg.Data)
		} else {
			reg, err = DecodeJSONRegistration(msg.Data)
		}
		if err != nil {
			return fmt.Errorf("registration: %w", err)
		}
		s.setRegistration(reg)
		s.handle("registration", s.handler.HandleRegistration(ctx, s, reg))

	case IntentNotifyCommandResult:
		d := newDecoder(msg.Data)
		res := CommandResult{
			CommandID: int32(d.u32()), //nolint:gosec // two's complement
			Status:    d.str(),
			Result:    d.str(),
		}
		if err := d.Err(); err != nil {
			return fmt.Errorf("command result: %w", err)
		}
		s.handle("command result", s.handler.HandleCommandResult(ctx, s, res))

	case IntentRequestRegistration:
		return fmt.Errorf("%w: %d is gateway-to-device only", ErrUnknownIntent, msg.Intent)

	default:
		s.mu.RLock()
		registered := s.reg != nil
		meta, ok := s.notifications[msg.Intent]
		s.mu.RUnlock()
		if !registered {
			return fmt.Errorf("%w: intent %d: %w", ErrUnknownIntent, msg.Intent, ErrNotRegistered)
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownIntent, msg.Intent)
		}

		params, err := DecodeValue(meta.Params, msg.Data)
		if err != nil {
			return fmt.Errorf("notification %q: %w", meta.Name, err)
		}
		s.notifyCount.Add(1)
		s.handle("notification", s.handler.HandleNotification(ctx, s, &device.Notification{
			Name:       meta.Name,
			Parameters: params,
		}))
	}
	return nil
}

func (s *Session) handle(event string, err error) {
	if err == nil {
		return
	}
	s.handlerErrors.Add(1)
	s.logError(event+" handler failed", err)
}

func (s *Session) setRegistration(reg *Registration) {
	notifications := make(map[uint16]MessageMetadata, len(reg.Notifications))
	for _, m := range reg.Notifications {
		notifications[m.Intent] = m
	}
	commands := make(map[string]MessageMetadata, len(reg.Commands))
	for _, m := range reg.Commands {
		commands[m.Name] = m
	}

	s.mu.Lock()
	s.reg = reg
	s.notifications = notifications
	s.commands = commands
	s.mu.Unlock()
}

// Registration returns the registration received on this session, or nil.
func (s *Session) Registration() *Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reg
}

// RequestRegistration asks the device to send its registration.
func (s *Session) RequestRegistration() error {
	return s.write(NewMessage(IntentRequestRegistration, nil))
}

// SendCommand encodes cmd with the intent and parameter shape the device
// declared for cmd.Name. The payload is the int32 command id followed by
// the encoded parameters.
//
// Returns:
//   - error: ErrNotRegistered, ErrUnknownCommand, ErrEncodingFailed or a write error
func (s *Session) SendCommand(cmd device.Command) error {
	s.mu.RLock()
	registered := s.reg != nil
	meta, ok := s.commands[cmd.Name]
	s.mu.RUnlock()
	if !registered {
		return ErrNotRegistered
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}

	e := &encoder{}
	e.u32(uint32(int32(cmd.ID))) //nolint:gosec // command ids are 32-bit on this wire
	writeValue(e, meta.Params, cmd.Parameters)
	data, err := e.Bytes()
	if err != nil {
		return fmt.Errorf("command %q: %w", cmd.Name, err)
	}
	if err := s.write(NewMessage(meta.Intent, data)); err != nil {
		return err
	}
	s.commandCount.Add(1)
	return nil
}

func (s *Session) write(m *Message) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteMessage(s.conn, m); err != nil {
		if s.isClosed() {
			return ErrSessionClosed
		}
		return err
	}
	s.framesTx.Add(1)
	return nil
}

// Close closes the connection. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.done.once.Do(func() {
		close(s.done.ch)
		err = s.conn.Close()
	})
	return err
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done.Done()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Stats returns current session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		FramesRx:      s.framesRx.Load(),
		FramesTx:      s.framesTx.Load(),
		Notifications: s.notifyCount.Load(),
		Commands:      s.commandCount.Load(),
		HandlerErrors: s.handlerErrors.Load(),
		LastActivity:  time.Unix(s.lastActivity.Load(), 0),
		Registered:    s.Registration() != nil,
	}
}

// IsProtocolError reports whether err ended a session because of malformed
// input rather than a transport failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrUnknownIntent) ||
		errors.Is(err, ErrDecodingFailed) || errors.Is(err, ErrInvalidMetadata)
}

// logError logs an error message if logger is set.
func (s *Session) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
