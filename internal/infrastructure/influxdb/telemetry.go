package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/hivehub/internal/device"
)

// Measurement names of hub telemetry.
const (
	MeasurementNotification = "notification"
	MeasurementCommand      = "command"
)

// PointWriter accepts prepared points. *Client implements it.
type PointWriter interface {
	Write(point *write.Point)
}

// Telemetry records hub messages as time-series points.
//
// It is a hub listener: notifications are written when inserted and commands
// when their result is reported. Writes are queued by the batching write API,
// so listener calls never block on the network.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Telemetry struct {
	dst PointWriter
}

// NewTelemetry returns a Telemetry writing to dst.
func NewTelemetry(dst PointWriter) *Telemetry {
	return &Telemetry{dst: dst}
}

// NotificationInserted writes a notification point.
func (t *Telemetry) NotificationInserted(deviceID string, n device.Notification) {
	t.dst.Write(NotificationPoint(deviceID, n))
}

// CommandInserted is a no-op; commands are recorded once they complete.
func (t *Telemetry) CommandInserted(string, device.Command) {}

// CommandUpdated writes a command result point.
func (t *Telemetry) CommandUpdated(deviceID string, c device.Command) {
	t.dst.Write(CommandPoint(deviceID, c))
}

// NotificationPoint converts a notification into a point tagged with the
// device and notification name. Scalar parameters become fields.
func NotificationPoint(deviceID string, n device.Notification) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"name":      n.Name,
	}
	fields := parameterFields(n.Parameters)
	fields["id"] = n.ID
	return write.NewPoint(MeasurementNotification, tags, fields, stamp(n.Timestamp))
}

// CommandPoint converts a command into a point tagged with the device,
// command name and status. Scalar result values become fields.
func CommandPoint(deviceID string, c device.Command) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"command":   c.Name,
	}
	if c.Status != "" {
		tags["status"] = c.Status
	}
	fields := parameterFields(c.Result)
	fields["id"] = c.ID
	return write.NewPoint(MeasurementCommand, tags, fields, stamp(c.Timestamp))
}

// parameterFields flattens the top level of a JSON value into point fields.
// Numbers, booleans and strings are kept; nested values are JSON encoded.
// A non-object value is stored under "value".
func parameterFields(v any) map[string]interface{} {
	fields := make(map[string]interface{})
	switch p := v.(type) {
	case nil:
	case map[string]any:
		for k, val := range p {
			if f, ok := fieldValue(val); ok {
				fields[k] = f
			}
		}
	default:
		if f, ok := fieldValue(p); ok {
			fields["value"] = f
		}
	}
	return fields
}

func fieldValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool, string:
		return val, true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		if f, err := val.Float64(); err == nil {
			return f, true
		}
		return val.String(), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		return string(b), true
	}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
