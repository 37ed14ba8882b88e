package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/devicehost"
)

// GatewayConfig holds the network that devices connected through the
// gateway are registered on.
type GatewayConfig struct {
	NetworkName        string
	NetworkKey         string
	NetworkDescription string
}

// GatewayStats reports gateway activity.
type GatewayStats struct {
	Connections int
	Devices     int
}

// link is the gateway's view of one connection.
type link struct {
	session  *Session
	deviceID string
	key      string
}

// Gateway bridges binary-protocol devices onto a DeviceService.
//
// Every connection gets a Session that is asked to register. A registered
// device is registered with the service and subscribed to commands; its
// notifications and command results are forwarded to the service, and
// commands inserted for it are encoded onto its connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Gateway struct {
	svc     devicehost.DeviceService
	network *device.Network

	mu      sync.Mutex
	links   map[*Session]*link
	devices map[string]*link

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewGateway creates a gateway over svc and subscribes to its command and
// connection events.
func NewGateway(svc devicehost.DeviceService, cfg GatewayConfig) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		svc:     svc,
		links:   make(map[*Session]*link),
		devices: make(map[string]*link),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.NetworkName != "" {
		g.network = &device.Network{
			Name:        cfg.NetworkName,
			Key:         cfg.NetworkKey,
			Description: cfg.NetworkDescription,
		}
	}
	svc.OnCommandInserted(g.onCommandInserted)
	svc.OnConnectionClosed(g.onConnectionClosed)
	return g
}

// SetLogger sets the logger for the gateway and its sessions.
func (g *Gateway) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

// AddConnection starts a session on conn and asks the device to register.
// The session runs until the connection fails, a protocol error occurs or
// the gateway is closed; the device is then unsubscribed and forgotten.
func (g *Gateway) AddConnection(conn io.ReadWriteCloser) *Session {
	s := NewSession(conn, g)
	g.loggerMu.RLock()
	if g.logger != nil {
		s.SetLogger(g.logger)
	}
	g.loggerMu.RUnlock()

	g.mu.Lock()
	g.links[s] = &link{session: s}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.removeConnection(s)

		if err := s.RequestRegistration(); err != nil {
			g.logError("request registration failed", err)
			return
		}
		if err := s.Run(g.ctx); err != nil && !errors.Is(err, io.EOF) {
			g.logError("binary connection closed", err)
		}
	}()
	return s
}

func (g *Gateway) removeConnection(s *Session) {
	s.Close() //nolint:errcheck // best-effort

	g.mu.Lock()
	l := g.links[s]
	delete(g.links, s)
	var id, key string
	if l != nil && l.deviceID != "" && g.devices[l.deviceID] == l {
		delete(g.devices, l.deviceID)
		id, key = l.deviceID, l.key
	}
	g.mu.Unlock()

	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), serviceCallTimeout)
	defer cancel()
	if err := g.svc.UnsubscribeFromCommands(ctx, id, key); err != nil {
		g.logError("unsubscribe from commands failed", err, "device_id", id)
	}
	g.logInfo("binary device disconnected", "device_id", id)
}

// HandleRegistration registers the device unless another connection already
// serves the same device id, in which case registration is requested again.
func (g *Gateway) HandleRegistration(ctx context.Context, s *Session, reg *Registration) error {
	id := reg.ID.String()

	g.mu.Lock()
	l := g.links[s]
	if l == nil {
		g.mu.Unlock()
		return ErrSessionClosed
	}
	if other, ok := g.devices[id]; ok && other != l {
		g.mu.Unlock()
		g.logWarn("device already connected, requesting registration again", "device_id", id)
		return s.RequestRegistration()
	}
	previous := l.deviceID
	g.devices[id] = l
	g.mu.Unlock()

	if err := g.svc.RegisterDevice(ctx, reg.Device(g.network)); err != nil {
		g.mu.Lock()
		if g.devices[id] == l && previous != id {
			delete(g.devices, id)
		}
		g.mu.Unlock()
		return fmt.Errorf("registering device %s: %w", id, err)
	}

	g.mu.Lock()
	if previous != "" && previous != id && g.devices[previous] == l {
		delete(g.devices, previous)
	}
	l.deviceID = id
	l.key = reg.Key
	g.mu.Unlock()

	if err := g.svc.SubscribeToCommands(ctx, id, reg.Key); err != nil {
		return fmt.Errorf("subscribing device %s to commands: %w", id, err)
	}
	g.logInfo("binary device registered", "device_id", id, "name", reg.Name,
		"commands", len(reg.Commands), "notifications", len(reg.Notifications))
	return nil
}

// HandleCommandResult reports a command result to the service.
func (g *Gateway) HandleCommandResult(ctx context.Context, s *Session, res CommandResult) error {
	id, key, ok := g.deviceOf(s)
	if !ok {
		return ErrNotRegistered
	}
	return g.svc.UpdateCommand(ctx, id, key, &device.Command{
		ID:     int64(res.CommandID),
		Status: res.Status,
		Result: res.Result,
	})
}

// HandleNotification forwards a device notification to the service.
func (g *Gateway) HandleNotification(ctx context.Context, s *Session, n *device.Notification) error {
	id, key, ok := g.deviceOf(s)
	if !ok {
		return ErrNotRegistered
	}
	_, err := g.svc.SendNotification(ctx, id, key, n)
	return err
}

func (g *Gateway) deviceOf(s *Session) (id, key string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.links[s]
	if l == nil || l.deviceID == "" {
		return "", "", false
	}
	return l.deviceID, l.key, true
}

func (g *Gateway) onCommandInserted(deviceID string, cmd device.Command) {
	g.mu.Lock()
	l := g.devices[deviceID]
	g.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.session.SendCommand(cmd); err != nil {
		g.logError("send command to device failed", err, "device_id", deviceID, "command", cmd.Name)
	}
}

// onConnectionClosed resubscribes every connected device; subscriptions do
// not survive a lost service connection.
func (g *Gateway) onConnectionClosed() {
	g.mu.Lock()
	subs := make([]link, 0, len(g.devices))
	for _, l := range g.devices {
		subs = append(subs, link{deviceID: l.deviceID, key: l.key})
	}
	g.mu.Unlock()

	for _, l := range subs {
		if l.deviceID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(g.ctx, serviceCallTimeout)
		err := g.svc.SubscribeToCommands(ctx, l.deviceID, l.key)
		cancel()
		if err != nil {
			g.logError("resubscribe to commands failed", err, "device_id", l.deviceID)
		}
	}
}

// Stats returns the number of open connections and registered devices.
func (g *Gateway) Stats() GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GatewayStats{Connections: len(g.links), Devices: len(g.devices)}
}

// Close stops every session and waits for them to finish.
func (g *Gateway) Close() error {
	g.cancel()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.links))
	for s := range g.links {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close() //nolint:errcheck // best-effort
	}
	g.wg.Wait()
	return nil
}

func (g *Gateway) getLogger() Logger {
	g.loggerMu.RLock()
	defer g.loggerMu.RUnlock()
	return g.logger
}

func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	if logger := g.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (g *Gateway) logWarn(msg string, keysAndValues ...any) {
	if logger := g.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (g *Gateway) logError(msg string, err error, keysAndValues ...any) {
	if logger := g.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
