// Package device holds the hub's domain entities and their SQLite persistence.
//
// # Entities
//
//   - Network: a named group of devices, optionally protected by a key
//   - DeviceClass: name/version pair shared by devices of the same kind, with
//     the equipment those devices carry
//   - Device: a registered device identified by a GUID and authenticated by key
//   - Notification: a message sent by a device
//   - Command: a message sent to a device, later updated with status and result
//   - EquipmentState: last reported state of one piece of equipment
//
// # Timestamps
//
// The hub assigns notification and command timestamps. They are stored in UTC
// with microsecond precision so that a timestamp read back from the store, or
// sent as a poll watermark, compares equal to the stored value.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	if err := repo.Save(ctx, dev); err != nil {
//	    return err
//	}
//	n, err := repo.InsertNotification(ctx, dev.ID, &device.Notification{Name: "temp"})
package device
