package hub

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/nerrad567/hivehub/internal/device"
)

// InsertNotification stores a notification from a device and publishes it.
//
// The hub assigns the ID and timestamp. An "equipment" notification also
// records the equipment state under its "equipment" code; a "deviceStatus"
// notification also stores the device status.
//
// Parameters:
//   - ctx: Context for the database calls
//   - deviceID: Device GUID
//   - n: Notification to store; ID and Timestamp are set on success
//
// Returns:
//   - error: validation error, device.ErrDeviceNotFound, ErrClosed or storage error
func (h *Hub) InsertNotification(ctx context.Context, deviceID string, n *device.Notification) error {
	if err := device.ValidateNotification(n); err != nil {
		return err
	}

	var code, status string
	switch n.Name {
	case device.EquipmentNotification:
		code, _ = device.ParamMap(n.Parameters)["equipment"].(string)
	case NotificationDeviceStatus:
		status, _ = device.ParamMap(n.Parameters)["status"].(string)
		if status == "" {
			return fmt.Errorf("%w: device status notification requires a status parameter", device.ErrInvalidMessage)
		}
	}

	stored, err := h.insertNotification(ctx, deviceID, n)
	if err != nil {
		return err
	}

	if code != "" {
		state := maps.Clone(device.ParamMap(stored.Parameters))
		delete(state, "equipment")
		st := device.EquipmentState{Code: code, Timestamp: stored.Timestamp, Parameters: state}
		if err := h.repo.SaveEquipmentState(ctx, deviceID, st); err != nil {
			return fmt.Errorf("saving equipment state: %w", err)
		}
	}
	if status != "" {
		if err := h.repo.UpdateDeviceStatus(ctx, deviceID, status); err != nil {
			return fmt.Errorf("updating device status: %w", err)
		}
	}
	return nil
}

func (h *Hub) insertNotification(ctx context.Context, deviceID string, n *device.Notification) (*device.Notification, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	n.Name = strings.TrimSpace(n.Name)

	h.insertMu.Lock()
	n.Timestamp = h.stamp()
	err := h.repo.InsertNotification(ctx, deviceID, n)
	h.insertMu.Unlock()
	if err != nil {
		return nil, err
	}

	h.metrics.messageStored(KindNotification)
	h.logger.Debug("notification stored", "device_id", deviceID, "name", n.Name, "id", n.ID)

	stored := *n
	h.publish(Event{Kind: KindNotification, DeviceID: deviceID, Notification: &stored})
	return &stored, nil
}

// InsertCommand stores a command for a device and publishes it.
//
// Parameters:
//   - ctx: Context for the database calls
//   - deviceID: Target device GUID
//   - c: Command to store; ID and Timestamp are set on success, Status and Result are cleared
//
// Returns:
//   - error: validation error, device.ErrDeviceNotFound, ErrClosed or storage error
func (h *Hub) InsertCommand(ctx context.Context, deviceID string, c *device.Command) error {
	if err := device.ValidateCommand(c); err != nil {
		return err
	}
	if h.isClosed() {
		return ErrClosed
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Status, c.Result = "", nil

	h.insertMu.Lock()
	c.Timestamp = h.stamp()
	err := h.repo.InsertCommand(ctx, deviceID, c)
	h.insertMu.Unlock()
	if err != nil {
		return err
	}

	h.metrics.messageStored(KindCommand)
	h.logger.Debug("command stored", "device_id", deviceID, "name", c.Name, "id", c.ID)

	stored := *c
	h.publish(Event{Kind: KindCommand, DeviceID: deviceID, Command: &stored})
	return nil
}

// UpdateCommand stores the status and result reported for a command and
// publishes the updated command.
//
// Returns:
//   - *device.Command: the updated command
//   - error: device.ErrCommandNotFound, ErrClosed or storage error
func (h *Hub) UpdateCommand(ctx context.Context, deviceID string, id int64, upd device.CommandUpdate) (*device.Command, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	c, err := h.repo.UpdateCommand(ctx, deviceID, id, upd)
	if err != nil {
		return nil, err
	}

	h.metrics.messageStored(KindCommandUpdate)
	h.logger.Debug("command updated", "device_id", deviceID, "id", id, "status", c.Status)

	stored := *c
	h.publish(Event{Kind: KindCommandUpdate, DeviceID: deviceID, Command: &stored})
	return c, nil
}

// GetCommand returns one command of a device.
func (h *Hub) GetCommand(ctx context.Context, deviceID string, id int64) (*device.Command, error) {
	return h.repo.GetCommand(ctx, deviceID, id)
}

// ListNotifications returns stored notifications matching f, oldest first.
func (h *Hub) ListNotifications(ctx context.Context, f device.MessageFilter) ([]device.DeviceNotification, error) {
	return h.repo.ListNotifications(ctx, f)
}

// ListCommands returns stored commands matching f, oldest first.
func (h *Hub) ListCommands(ctx context.Context, f device.MessageFilter) ([]device.DeviceCommand, error) {
	return h.repo.ListCommands(ctx, f)
}
