package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// storeLayout is the fixed-width timestamp layout used in the database.
const storeLayout = "2006-01-02T15:04:05.000000Z"

// Repository defines device, network and message persistence.
// This abstraction allows the hub to be tested against an in-memory
// SQLite database or a mock.
type Repository interface {
	// GetDevice retrieves a device with its network and class.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices retrieves all devices ordered by name.
	ListDevices(ctx context.Context) ([]Device, error)

	// SaveDevice inserts or updates a device, creating its network and
	// device class on first use and replacing the class equipment list.
	SaveDevice(ctx context.Context, d *Device) error

	// UpdateDeviceStatus sets only the status of a device.
	UpdateDeviceStatus(ctx context.Context, id, status string) error

	// DeleteDevice removes a device and its messages.
	DeleteDevice(ctx context.Context, id string) error

	// ListNetworks retrieves all networks ordered by name.
	ListNetworks(ctx context.Context) ([]Network, error)

	// GetNetwork retrieves a network by ID.
	GetNetwork(ctx context.Context, id int64) (*Network, error)

	MessageStore
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ Repository = (*SQLiteRepository)(nil)

const deviceColumns = `
	d.id, d.key, d.name, d.status, d.data, d.created_at,
	n.id, n.name, n.key, n.description,
	c.id, c.name, c.version, c.is_permanent, c.offline_timeout, c.data`

const deviceJoins = `
	FROM devices d
	JOIN device_classes c ON c.id = d.device_class_id
	LEFT JOIN networks n ON n.id = d.network_id`

// GetDevice retrieves a device by its GUID.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+deviceJoins+" WHERE d.id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}

	equipment, err := r.listEquipment(ctx, d.DeviceClass.ID)
	if err != nil {
		return nil, err
	}
	d.DeviceClass.Equipment = equipment
	return d, nil
}

// ListDevices retrieves all devices. Equipment lists are not loaded.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deviceColumns+deviceJoins+" ORDER BY d.name")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// SaveDevice inserts or updates a device.
//
// The network is resolved by ID or name and created when unknown; a keyed
// network rejects a device presenting a different key with
// ErrNetworkKeyMismatch. The device class is resolved by name and version
// and its equipment replaced when the device supplies a list.
func (r *SQLiteRepository) SaveDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var networkID sql.NullInt64
	if d.Network != nil {
		id, err := resolveNetwork(ctx, tx, d.Network)
		if err != nil {
			return err
		}
		networkID = sql.NullInt64{Int64: id, Valid: true}
	}

	classID, err := resolveDeviceClass(ctx, tx, d.DeviceClass)
	if err != nil {
		return err
	}

	data, err := marshalJSON(d.Data)
	if err != nil {
		return fmt.Errorf("marshalling device data: %w", err)
	}

	now := time.Now().UTC().Format(storeLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, key, name, status, data, network_id, device_class_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			key = excluded.key,
			name = excluded.name,
			status = excluded.status,
			data = excluded.data,
			network_id = excluded.network_id,
			device_class_id = excluded.device_class_id,
			updated_at = excluded.updated_at`,
		d.ID, d.Key, d.Name, d.Status, data, networkID, classID, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}

	if d.Network != nil {
		d.Network.ID = networkID.Int64
	}
	d.DeviceClass.ID = classID
	return nil
}

// UpdateDeviceStatus sets the status of a device.
func (r *SQLiteRepository) UpdateDeviceStatus(ctx context.Context, id, status string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC().Format(storeLayout), id)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return expectRow(result, ErrDeviceNotFound)
}

// DeleteDevice removes a device by ID.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return expectRow(result, ErrDeviceNotFound)
}

// ListNetworks retrieves all networks. Keys are not returned.
func (r *SQLiteRepository) ListNetworks(ctx context.Context) ([]Network, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name, description FROM networks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	var networks []Network
	for rows.Next() {
		var n Network
		if err := rows.Scan(&n.ID, &n.Name, &n.Description); err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		networks = append(networks, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating networks: %w", err)
	}
	return networks, nil
}

// GetNetwork retrieves a network by ID. The key is not returned.
func (r *SQLiteRepository) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	var n Network
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, description FROM networks WHERE id = ?", id,
	).Scan(&n.ID, &n.Name, &n.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return &n, nil
}

func (r *SQLiteRepository) listEquipment(ctx context.Context, classID int64) ([]Equipment, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, code, type, data FROM equipment WHERE device_class_id = ? ORDER BY id", classID)
	if err != nil {
		return nil, fmt.Errorf("querying equipment: %w", err)
	}
	defer rows.Close()

	var equipment []Equipment
	for rows.Next() {
		var e Equipment
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.Code, &e.Type, &data); err != nil {
			return nil, fmt.Errorf("scanning equipment: %w", err)
		}
		if e.Data, err = unmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("unmarshalling equipment data: %w", err)
		}
		equipment = append(equipment, e)
	}
	return equipment, rows.Err()
}

// resolveNetwork finds or creates the device's network and returns its ID.
func resolveNetwork(ctx context.Context, tx *sql.Tx, n *Network) (int64, error) {
	var id int64
	var key string
	var err error
	if n.ID != 0 {
		err = tx.QueryRowContext(ctx, "SELECT id, key FROM networks WHERE id = ?", n.ID).Scan(&id, &key)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNetworkNotFound
		}
	} else {
		err = tx.QueryRowContext(ctx, "SELECT id, key FROM networks WHERE name = ?", n.Name).Scan(&id, &key)
		if errors.Is(err, sql.ErrNoRows) {
			result, err := tx.ExecContext(ctx,
				"INSERT INTO networks (name, key, description) VALUES (?, ?, ?)",
				n.Name, n.Key, n.Description)
			if err != nil {
				return 0, fmt.Errorf("creating network: %w", err)
			}
			return result.LastInsertId()
		}
	}
	if err != nil {
		return 0, fmt.Errorf("querying network: %w", err)
	}
	if key != "" && key != n.Key {
		return 0, ErrNetworkKeyMismatch
	}
	return id, nil
}

// resolveDeviceClass finds or creates the class and syncs its equipment.
func resolveDeviceClass(ctx context.Context, tx *sql.Tx, dc *DeviceClass) (int64, error) {
	data, err := marshalJSON(dc.Data)
	if err != nil {
		return 0, fmt.Errorf("marshalling class data: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM device_classes WHERE name = ? AND version = ?", dc.Name, dc.Version,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx, `
			INSERT INTO device_classes (name, version, is_permanent, offline_timeout, data)
			VALUES (?, ?, ?, ?, ?)`,
			dc.Name, dc.Version, boolToInt(dc.IsPermanent), dc.OfflineTimeout, data)
		if err != nil {
			return 0, fmt.Errorf("creating device class: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, fmt.Errorf("querying device class: %w", err)
	}

	if dc.Equipment == nil {
		return id, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM equipment WHERE device_class_id = ?", id); err != nil {
		return 0, fmt.Errorf("clearing equipment: %w", err)
	}
	for _, e := range dc.Equipment {
		edata, err := marshalJSON(e.Data)
		if err != nil {
			return 0, fmt.Errorf("marshalling equipment data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO equipment (device_class_id, name, code, type, data) VALUES (?, ?, ?, ?, ?)",
			id, e.Name, e.Code, e.Type, edata); err != nil {
			return 0, fmt.Errorf("inserting equipment %q: %w", e.Code, err)
		}
	}
	return id, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var data, classData sql.NullString
	var createdAt string
	var netID sql.NullInt64
	var netName, netKey, netDesc sql.NullString
	var dc DeviceClass
	var permanent int

	err := scanner.Scan(
		&d.ID, &d.Key, &d.Name, &d.Status, &data, &createdAt,
		&netID, &netName, &netKey, &netDesc,
		&dc.ID, &dc.Name, &dc.Version, &permanent, &dc.OfflineTimeout, &classData,
	)
	if err != nil {
		return nil, err
	}

	if d.Data, err = unmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("unmarshalling device data: %w", err)
	}
	if dc.Data, err = unmarshalJSON(classData); err != nil {
		return nil, fmt.Errorf("unmarshalling class data: %w", err)
	}
	dc.IsPermanent = permanent != 0
	d.DeviceClass = &dc

	if netID.Valid {
		d.Network = &Network{
			ID:          netID.Int64,
			Name:        netName.String,
			Key:         netKey.String,
			Description: netDesc.String,
		}
	}
	return &d, nil
}

func expectRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseStored(s string) time.Time {
	t, err := time.ParseInLocation(storeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
