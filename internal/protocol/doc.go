// Package protocol defines the JSON shapes exchanged between the hub and its
// clients and devices.
//
// The same shapes travel over REST (request and response bodies, long-poll
// batches) and over the WebSocket envelope protocol. A WebSocket frame is a
// flat JSON object:
//
//	request:  {"action": "command/insert", "requestId": "<uuid>", ...fields}
//	response: {"action": "command/insert", "requestId": "<uuid>", "status": "success", ...payload}
//	error:    {"action": "command/insert", "requestId": "<uuid>", "status": "error", "error": "..."}
//	event:    {"action": "notification/insert", "subscriptionId": "...", "deviceGuid": "...", "notification": {...}}
//
// Frames without a requestId are server-pushed events.
package protocol
