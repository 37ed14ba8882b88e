package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/hivehub/internal/device"
)

// GetDevice returns a device with its network and class.
func (h *Hub) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	return h.repo.GetDevice(ctx, id)
}

// ListDevices returns every device ordered by name.
func (h *Hub) ListDevices(ctx context.Context) ([]device.Device, error) {
	return h.repo.ListDevices(ctx)
}

// ListNetworks returns every network. Keys are not included.
func (h *Hub) ListNetworks(ctx context.Context) ([]device.Network, error) {
	return h.repo.ListNetworks(ctx)
}

// GetNetwork returns one network.
func (h *Hub) GetNetwork(ctx context.Context, id int64) (*device.Network, error) {
	return h.repo.GetNetwork(ctx, id)
}

// AuthenticateDevice returns the device when key matches its stored key.
//
// Returns:
//   - *device.Device: the stored device
//   - error: device.ErrDeviceNotFound or device.ErrKeyMismatch
func (h *Hub) AuthenticateDevice(ctx context.Context, id, key string) (*device.Device, error) {
	d, err := h.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Key != key {
		return nil, device.ErrKeyMismatch
	}
	return d, nil
}

// SaveDevice registers a new device or updates an existing one.
//
// Fields left empty on an update keep their stored values, so a device can
// send only its id, key and status. A keyed network rejects a different key
// with device.ErrNetworkKeyMismatch. A "$device-add" or "$device-update"
// notification describing the change is stored and published.
//
// Parameters:
//   - ctx: Context for the database calls
//   - d: Device to save; d is completed with the stored values on success
//
// Returns:
//   - error: validation, network key or storage error
func (h *Hub) SaveDevice(ctx context.Context, d *device.Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", device.ErrInvalidDevice)
	}

	existing, err := h.repo.GetDevice(ctx, d.ID)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		existing = nil
	case err != nil:
		return err
	default:
		mergeDevice(d, existing)
	}

	if err := h.repo.SaveDevice(ctx, d); err != nil {
		return err
	}

	name, params := NotificationDeviceAdd, deviceParams(d)
	if existing != nil {
		name, params = NotificationDeviceUpdate, deviceDiff(existing, d)
	}
	if _, err := h.insertNotification(ctx, d.ID, &device.Notification{Name: name, Parameters: params}); err != nil {
		h.logger.Warn("storing device change notification failed", "device_id", d.ID, "error", err)
	}

	h.logger.Info("device saved", "device_id", d.ID, "name", d.Name, "new", existing == nil)
	return nil
}

// UpdateDeviceStatus stores a new device status.
func (h *Hub) UpdateDeviceStatus(ctx context.Context, id, status string) error {
	return h.repo.UpdateDeviceStatus(ctx, id, status)
}

// DeleteDevice removes a device and its messages.
func (h *Hub) DeleteDevice(ctx context.Context, id string) error {
	return h.repo.DeleteDevice(ctx, id)
}

// EquipmentState returns the last reported state of each equipment of a device.
func (h *Hub) EquipmentState(ctx context.Context, id string) ([]device.EquipmentState, error) {
	if _, err := h.repo.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	return h.repo.ListEquipmentState(ctx, id)
}

// mergeDevice fills fields left empty in d from the stored device.
func mergeDevice(d, stored *device.Device) {
	if d.Key == "" {
		d.Key = stored.Key
	}
	if d.Name == "" {
		d.Name = stored.Name
	}
	if d.Status == "" {
		d.Status = stored.Status
	}
	if d.Data == nil {
		d.Data = stored.Data
	}
	if d.Network == nil && stored.Network != nil {
		n := *stored.Network
		d.Network = &n
	}
	if d.DeviceClass == nil && stored.DeviceClass != nil {
		dc := *stored.DeviceClass
		dc.Equipment = nil
		d.DeviceClass = &dc
	}
}

func deviceParams(d *device.Device) map[string]any {
	p := map[string]any{
		"name":   d.Name,
		"status": d.Status,
	}
	if d.Data != nil {
		p["data"] = d.Data
	}
	if d.Network != nil {
		p["network"] = d.Network.Name
	}
	if d.DeviceClass != nil {
		p["deviceClass"] = map[string]any{"name": d.DeviceClass.Name, "version": d.DeviceClass.Version}
	}
	return p
}

// deviceDiff returns the device parameters that differ from before.
func deviceDiff(before, after *device.Device) map[string]any {
	was, now := deviceParams(before), deviceParams(after)
	diff := make(map[string]any)
	for k, v := range now {
		if fmt.Sprint(was[k]) != fmt.Sprint(v) {
			diff[k] = v
		}
	}
	return diff
}
