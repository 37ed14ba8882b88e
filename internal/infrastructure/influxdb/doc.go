// Package influxdb records hub messages in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring.
//
// # Measurements
//
//	notification  tags: device_id, name             fields: id, scalar parameters
//	command       tags: device_id, command, status  fields: id, scalar result values
//
// Points carry the hub timestamp of the message. Nested parameter values are
// stored as JSON strings.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bus.AddListener(influxdb.NewTelemetry(client))
//
// # Error Handling
//
// Writes are non-blocking; batch failures are delivered to the callback set
// with SetOnError. Connection and health check errors are returned directly.
package influxdb
