// Package hub is the message bus of the hub server.
//
// It stores devices, notifications, commands and equipment state through a
// device.Repository and fans new messages out to live subscribers. The
// REST long-poll endpoints and the WebSocket endpoints of internal/api both
// sit on top of it, as do the optional MQTT mirror and InfluxDB writer,
// which observe messages through the Listener interface.
//
// Message timestamps are assigned by the hub under a lock and are strictly
// increasing, so a reader that resumes "after" the last timestamp it saw
// never skips a message inserted concurrently.
package hub
