package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DeviceNotification is a stored notification with its device.
type DeviceNotification struct {
	DeviceID     string
	Notification Notification
}

// DeviceCommand is a stored command with its device.
type DeviceCommand struct {
	DeviceID string
	Command  Command
}

// MessageStore persists notifications, commands and equipment state.
type MessageStore interface {
	// InsertNotification stores n, assigning its ID and timestamp.
	InsertNotification(ctx context.Context, deviceID string, n *Notification) error

	// ListNotifications returns notifications matching f, oldest first.
	ListNotifications(ctx context.Context, f MessageFilter) ([]DeviceNotification, error)

	// InsertCommand stores c, assigning its ID and timestamp.
	InsertCommand(ctx context.Context, deviceID string, c *Command) error

	// GetCommand returns one command of a device.
	// Returns ErrCommandNotFound if it does not exist.
	GetCommand(ctx context.Context, deviceID string, id int64) (*Command, error)

	// UpdateCommand applies a status/result update and returns the updated command.
	UpdateCommand(ctx context.Context, deviceID string, id int64, upd CommandUpdate) (*Command, error)

	// ListCommands returns commands matching f, oldest first.
	ListCommands(ctx context.Context, f MessageFilter) ([]DeviceCommand, error)

	// SaveEquipmentState records the latest state of one equipment code.
	SaveEquipmentState(ctx context.Context, deviceID string, st EquipmentState) error

	// ListEquipmentState returns the latest state of every equipment code of a device.
	ListEquipmentState(ctx context.Context, deviceID string) ([]EquipmentState, error)
}

// InsertNotification stores a notification.
//
// The timestamp is set to the current time unless one is given; it is
// normalised to UTC microseconds so the value returned to the caller matches
// the stored value exactly.
func (r *SQLiteRepository) InsertNotification(ctx context.Context, deviceID string, n *Notification) error {
	if err := ValidateNotification(n); err != nil {
		return err
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	n.Timestamp = NormalizeTimestamp(n.Timestamp)

	params, err := marshalJSON(n.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		"INSERT INTO notifications (device_id, timestamp, name, parameters) VALUES (?, ?, ?, ?)",
		deviceID, n.Timestamp.Format(storeLayout), n.Name, params)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", mapForeignKey(err))
	}
	if n.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("reading notification id: %w", err)
	}
	return nil
}

// ListNotifications returns notifications matching the filter.
func (r *SQLiteRepository) ListNotifications(ctx context.Context, f MessageFilter) ([]DeviceNotification, error) {
	where, args := filterClause(f)
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, device_id, timestamp, name, parameters FROM notifications"+where+
			" ORDER BY timestamp, id"+limitClause(f), args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []DeviceNotification
	for rows.Next() {
		var dn DeviceNotification
		var ts string
		var params sql.NullString
		if err := rows.Scan(&dn.Notification.ID, &dn.DeviceID, &ts, &dn.Notification.Name, &params); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		dn.Notification.Timestamp = parseStored(ts)
		if dn.Notification.Parameters, err = unmarshalJSON(params); err != nil {
			return nil, fmt.Errorf("unmarshalling parameters: %w", err)
		}
		out = append(out, dn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return out, nil
}

// InsertCommand stores a command with an empty status.
func (r *SQLiteRepository) InsertCommand(ctx context.Context, deviceID string, c *Command) error {
	if err := ValidateCommand(c); err != nil {
		return err
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	c.Timestamp = NormalizeTimestamp(c.Timestamp)

	params, err := marshalJSON(c.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}
	res, err := marshalJSON(c.Result)
	if err != nil {
		return fmt.Errorf("marshalling result: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO commands (device_id, timestamp, user_id, name, parameters, lifetime, flags, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, c.Timestamp.Format(storeLayout), c.UserID, c.Name, params, c.Lifetime, c.Flags, c.Status, res)
	if err != nil {
		return fmt.Errorf("inserting command: %w", mapForeignKey(err))
	}
	if c.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}
	return nil
}

// GetCommand returns a command of the given device.
func (r *SQLiteRepository) GetCommand(ctx context.Context, deviceID string, id int64) (*Command, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, device_id, timestamp, user_id, name, parameters, lifetime, flags, status, result"+
			" FROM commands WHERE device_id = ? AND id = ?", deviceID, id)
	dc, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return &dc.Command, nil
}

// UpdateCommand sets status and result of a command.
func (r *SQLiteRepository) UpdateCommand(ctx context.Context, deviceID string, id int64, upd CommandUpdate) (*Command, error) {
	res, err := marshalJSON(upd.Result)
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE commands SET status = ?, result = ? WHERE device_id = ? AND id = ?",
		upd.Status, res, deviceID, id)
	if err != nil {
		return nil, fmt.Errorf("updating command: %w", err)
	}
	if err := expectRow(result, ErrCommandNotFound); err != nil {
		return nil, err
	}
	return r.GetCommand(ctx, deviceID, id)
}

// ListCommands returns commands matching the filter.
func (r *SQLiteRepository) ListCommands(ctx context.Context, f MessageFilter) ([]DeviceCommand, error) {
	where, args := filterClause(f)
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, device_id, timestamp, user_id, name, parameters, lifetime, flags, status, result"+
			" FROM commands"+where+" ORDER BY timestamp, id"+limitClause(f), args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []DeviceCommand
	for rows.Next() {
		dc, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		out = append(out, *dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

// SaveEquipmentState upserts the state of one equipment code.
func (r *SQLiteRepository) SaveEquipmentState(ctx context.Context, deviceID string, st EquipmentState) error {
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	params, err := marshalJSON(st.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO equipment_state (device_id, code, timestamp, parameters) VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, code) DO UPDATE SET
			timestamp = excluded.timestamp,
			parameters = excluded.parameters`,
		deviceID, st.Code, NormalizeTimestamp(st.Timestamp).Format(storeLayout), params)
	if err != nil {
		return fmt.Errorf("saving equipment state: %w", mapForeignKey(err))
	}
	return nil
}

// ListEquipmentState returns the equipment state of a device ordered by code.
func (r *SQLiteRepository) ListEquipmentState(ctx context.Context, deviceID string) ([]EquipmentState, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT code, timestamp, parameters FROM equipment_state WHERE device_id = ? ORDER BY code", deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying equipment state: %w", err)
	}
	defer rows.Close()

	var out []EquipmentState
	for rows.Next() {
		var st EquipmentState
		var ts string
		var params sql.NullString
		if err := rows.Scan(&st.Code, &ts, &params); err != nil {
			return nil, fmt.Errorf("scanning equipment state: %w", err)
		}
		st.Timestamp = parseStored(ts)
		if st.Parameters, err = unmarshalJSON(params); err != nil {
			return nil, fmt.Errorf("unmarshalling parameters: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanCommand(scanner rowScanner) (*DeviceCommand, error) {
	var dc DeviceCommand
	var ts string
	var params, res sql.NullString
	c := &dc.Command
	if err := scanner.Scan(&c.ID, &dc.DeviceID, &ts, &c.UserID, &c.Name, &params,
		&c.Lifetime, &c.Flags, &c.Status, &res); err != nil {
		return nil, err
	}
	c.Timestamp = parseStored(ts)
	var err error
	if c.Parameters, err = unmarshalJSON(params); err != nil {
		return nil, fmt.Errorf("unmarshalling parameters: %w", err)
	}
	if c.Result, err = unmarshalJSON(res); err != nil {
		return nil, fmt.Errorf("unmarshalling result: %w", err)
	}
	return &dc, nil
}

// filterClause builds a WHERE clause for a message filter.
func filterClause(f MessageFilter) (string, []any) {
	var conds []string
	var args []any
	if len(f.DeviceIDs) > 0 {
		conds = append(conds, "device_id IN ("+placeholders(len(f.DeviceIDs))+")")
		for _, id := range f.DeviceIDs {
			args = append(args, id)
		}
	}
	if len(f.Names) > 0 {
		conds = append(conds, "name IN ("+placeholders(len(f.Names))+")")
		for _, n := range f.Names {
			args = append(args, n)
		}
	}
	if !f.After.IsZero() {
		conds = append(conds, "timestamp > ?")
		args = append(args, NormalizeTimestamp(f.After).Format(storeLayout))
	}
	if !f.Before.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, NormalizeTimestamp(f.Before).Format(storeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(f MessageFilter) string {
	if f.Take <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", f.Take)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// mapForeignKey turns a foreign key violation on device_id into ErrDeviceNotFound.
func mapForeignKey(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return ErrDeviceNotFound
	}
	return err
}
