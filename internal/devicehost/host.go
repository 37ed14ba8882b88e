package devicehost

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// DefaultPollRetryInterval is the pause after a failed command poll.
const DefaultPollRetryInterval = time.Second

// DefaultStatus is the status a device registers with when it sets none.
const DefaultStatus = "Online"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Device is a device run by a Host.
type Device interface {
	// Info describes the device for registration. ID and Key are required.
	Info() *device.Device

	// Main runs the device until ctx ends. Returning early does not stop
	// command handling.
	Main(ctx context.Context, link Link) error

	// Commands returns the command handlers. A nil registry means the device
	// does not listen for commands.
	Commands() *Registry
}

// Link is how a running device reports to the hub.
type Link interface {
	SendStatusUpdate(ctx context.Context, status string) error
	SendNotification(ctx context.Context, name string, params map[string]any) error

	// SendEquipmentNotification sends an "equipment" notification whose
	// "equipment" parameter is the equipment code.
	SendEquipmentNotification(ctx context.Context, equipment string, params map[string]any) error
}

// Host registers devices with the hub, runs their main loops and dispatches
// the commands addressed to them.
//
// Thread Safety: all methods are safe for concurrent use.
type Host struct {
	service DeviceService
	network *device.Network
	retry   time.Duration

	mu      sync.Mutex
	devices []Device
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHost creates a host. Devices without a network register in network.
func NewHost(service DeviceService, network *device.Network) *Host {
	return &Host{service: service, network: network, retry: DefaultPollRetryInterval}
}

// SetLogger sets the logger for the host.
func (h *Host) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// SetPollRetryInterval sets the pause after a failed command poll.
func (h *Host) SetPollRetryInterval(d time.Duration) {
	h.mu.Lock()
	if d > 0 {
		h.retry = d
	}
	h.mu.Unlock()
}

// AddDevice adds a device. Devices cannot be added while the host runs.
func (h *Host) AddDevice(d Device) error {
	if d == nil || d.Info() == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	if err := device.ValidateDeviceID(d.Info().ID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return ErrAlreadyRunning
	}
	h.devices = append(h.devices, d)
	return nil
}

// Devices returns the added devices.
func (h *Host) Devices() []Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.devices)
}

// Start registers every device, then starts each device's main loop and,
// for devices with commands, its command poll loop.
//
// A registration failure aborts Start; nothing is left running.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return ErrAlreadyRunning
	}

	h.logInfo("starting device host", "devices", len(h.devices))
	for _, d := range h.devices {
		if err := h.register(ctx, d); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}
	for _, d := range h.devices {
		wg.Add(1)
		go h.runMain(runCtx, wg, d)
		if d.Commands() != nil {
			wg.Add(1)
			go h.pollCommands(runCtx, wg, d, h.retry)
		}
	}
	h.cancel = cancel
	h.wg = wg
	h.logInfo("device host running")
	return nil
}

// Stop cancels every device loop and in-flight command and waits for them.
func (h *Host) Stop() error {
	h.mu.Lock()
	cancel, wg := h.cancel, h.wg
	h.cancel, h.wg = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}
	h.logInfo("stopping device host")
	cancel()
	wg.Wait()
	h.logInfo("device host stopped")
	return nil
}

func (h *Host) register(ctx context.Context, d Device) error {
	info := d.Info().Clone()
	if info.Network == nil && h.network != nil {
		n := *h.network
		info.Network = &n
	}
	if info.Status == "" {
		info.Status = DefaultStatus
	}

	h.logInfo("registering device", "device_id", info.ID, "name", info.Name)
	if err := h.service.RegisterDevice(ctx, info); err != nil {
		h.logError("registering device failed", err, "device_id", info.ID)
		return fmt.Errorf("registering device %s: %w", info.ID, err)
	}
	return nil
}

func (h *Host) runMain(ctx context.Context, wg *sync.WaitGroup, d Device) {
	defer wg.Done()
	info := d.Info()
	h.logInfo("starting device", "device_id", info.ID, "name", info.Name)

	err := d.Main(ctx, &deviceLink{host: h, device: d})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logError("device main loop failed", err, "device_id", info.ID)
	}
}

func (h *Host) pollCommands(ctx context.Context, wg *sync.WaitGroup, d Device, retry time.Duration) {
	defer wg.Done()

	info := d.Info()
	since := device.NormalizeTimestamp(time.Now())
	for {
		cmds, err := h.service.PollCommands(ctx, info.ID, info.Key, since)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logError("polling commands failed", err, "device_id", info.ID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			continue
		}

		for _, cmd := range cmds {
			if cmd.Timestamp.After(since) {
				since = cmd.Timestamp
			}
			h.logInfo("dispatching command", "command", cmd.Name, "device_id", info.ID)
			wg.Add(1)
			go h.dispatch(ctx, wg, d, cmd)
		}
	}
}

func (h *Host) dispatch(ctx context.Context, wg *sync.WaitGroup, d Device, cmd device.Command) {
	defer wg.Done()
	info := d.Info()

	res, err := d.Commands().Dispatch(ctx, cmd)
	if err != nil {
		var herr *HandlerError
		if !errors.As(err, &herr) {
			return
		}
		h.logError("command handler failed", err, "command", cmd.Name, "device_id", info.ID)
	}

	cmd.Status = res.Status
	cmd.Result = res.Result
	h.logInfo("sending command result", "command", cmd.Name, "status", cmd.Status, "device_id", info.ID)
	if err := h.service.UpdateCommand(ctx, info.ID, info.Key, &cmd); err != nil {
		h.logError("sending command result failed", err, "command", cmd.Name, "device_id", info.ID)
	}
}

// SendStatusUpdate stores a new status for the device.
func (h *Host) SendStatusUpdate(ctx context.Context, d Device, status string) error {
	if d == nil || status == "" {
		return fmt.Errorf("%w: device and status are required", ErrInvalidArgument)
	}
	info := d.Info()
	h.logInfo("updating device status", "device_id", info.ID, "status", status)

	update := &device.Device{ID: info.ID, Key: info.Key, Name: info.Name, Status: status}
	if err := h.service.UpdateDevice(ctx, update); err != nil {
		h.logError("updating device status failed", err, "device_id", info.ID)
		return err
	}
	return nil
}

// SendNotification sends a notification from the device.
func (h *Host) SendNotification(ctx context.Context, d Device, n *device.Notification) error {
	if d == nil || n == nil {
		return fmt.Errorf("%w: device and notification are required", ErrInvalidArgument)
	}
	info := d.Info()
	h.logInfo("sending notification", "notification", n.Name, "device_id", info.ID)

	out := &device.Notification{Name: strings.TrimSpace(n.Name), Parameters: n.Parameters}
	if params := device.ParamMap(n.Parameters); params != nil {
		out.Parameters = maps.Clone(params)
	}
	if _, err := h.service.SendNotification(ctx, info.ID, info.Key, out); err != nil {
		h.logError("sending notification failed", err, "notification", n.Name, "device_id", info.ID)
		return err
	}
	return nil
}

// SendEquipmentNotification sends the state of one piece of equipment.
func (h *Host) SendEquipmentNotification(ctx context.Context, d Device, equipment string, params map[string]any) error {
	if equipment == "" {
		return fmt.Errorf("%w: empty equipment code", ErrInvalidArgument)
	}
	p := maps.Clone(params)
	if p == nil {
		p = make(map[string]any, 1)
	}
	p[device.EquipmentNotification] = equipment
	return h.SendNotification(ctx, d, &device.Notification{Name: device.EquipmentNotification, Parameters: p})
}

type deviceLink struct {
	host   *Host
	device Device
}

func (l *deviceLink) SendStatusUpdate(ctx context.Context, status string) error {
	return l.host.SendStatusUpdate(ctx, l.device, status)
}

func (l *deviceLink) SendNotification(ctx context.Context, name string, params map[string]any) error {
	n := &device.Notification{Name: name}
	if len(params) > 0 {
		n.Parameters = params
	}
	return l.host.SendNotification(ctx, l.device, n)
}

func (l *deviceLink) SendEquipmentNotification(ctx context.Context, equipment string, params map[string]any) error {
	return l.host.SendEquipmentNotification(ctx, l.device, equipment, params)
}

func (h *Host) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *Host) logInfo(msg string, keysAndValues ...any) {
	if logger := h.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (h *Host) logError(msg string, err error, keysAndValues ...any) {
	if logger := h.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
