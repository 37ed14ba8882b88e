package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Field limits enforced on registration.
const (
	maxNameLength    = 128
	maxKeyLength     = 64
	maxVersionLength = 32
)

// ValidateDeviceID checks that id is a GUID.
func ValidateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: id %q is not a GUID", ErrInvalidDevice, id)
	}
	return nil
}

// ValidateDevice checks a device before it is saved.
//
// Parameters:
//   - d: Device to validate; ID, Key, Name and DeviceClass name/version are required
//
// Returns:
//   - error: ErrInvalidDevice wrapping every problem found, or nil
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}

	var errs []string
	if err := ValidateDeviceID(d.ID); err != nil {
		errs = append(errs, strings.TrimPrefix(err.Error(), ErrInvalidDevice.Error()+": "))
	}
	if d.Key == "" {
		errs = append(errs, "key is required")
	} else if len(d.Key) > maxKeyLength {
		errs = append(errs, fmt.Sprintf("key exceeds %d characters", maxKeyLength))
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, "name is required")
	} else if len(d.Name) > maxNameLength {
		errs = append(errs, fmt.Sprintf("name exceeds %d characters", maxNameLength))
	}

	if d.DeviceClass == nil {
		errs = append(errs, "deviceClass is required")
	} else {
		if d.DeviceClass.Name == "" {
			errs = append(errs, "deviceClass.name is required")
		}
		if d.DeviceClass.Version == "" {
			errs = append(errs, "deviceClass.version is required")
		} else if len(d.DeviceClass.Version) > maxVersionLength {
			errs = append(errs, fmt.Sprintf("deviceClass.version exceeds %d characters", maxVersionLength))
		}
		seen := make(map[string]bool, len(d.DeviceClass.Equipment))
		for _, e := range d.DeviceClass.Equipment {
			if e.Code == "" {
				errs = append(errs, "equipment.code is required")
				continue
			}
			if seen[e.Code] {
				errs = append(errs, fmt.Sprintf("duplicate equipment code %q", e.Code))
			}
			seen[e.Code] = true
		}
	}

	if d.Network != nil && d.Network.Name == "" && d.Network.ID == 0 {
		errs = append(errs, "network.name is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDevice, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateNotification checks a notification before it is stored.
func ValidateNotification(n *Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is nil", ErrInvalidMessage)
	}
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: notification name is required", ErrInvalidMessage)
	}
	if n.Name == EquipmentNotification {
		if code, _ := ParamMap(n.Parameters)["equipment"].(string); code == "" {
			return fmt.Errorf("%w: equipment notification requires an equipment parameter", ErrInvalidMessage)
		}
	}
	return nil
}

// ValidateCommand checks a command before it is stored.
func ValidateCommand(c *Command) error {
	if c == nil {
		return fmt.Errorf("%w: command is nil", ErrInvalidMessage)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: command name is required", ErrInvalidMessage)
	}
	if c.Lifetime < 0 {
		return fmt.Errorf("%w: lifetime must not be negative", ErrInvalidMessage)
	}
	return nil
}
