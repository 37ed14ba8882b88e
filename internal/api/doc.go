// Package api implements the HTTP REST API and WebSocket server of the hub.
//
// This package provides:
//   - REST endpoints for networks, devices, notifications and commands
//   - Long-poll endpoints that wait for new notifications, commands and
//     command results
//   - The /client and /device WebSocket endpoints with subscriptions pushed
//     from the message bus
//   - Access key, password and device key authentication
//   - An audit trail of device and account changes, listed at /audit
//   - Middleware stack (request ID, logging, metrics, recovery, CORS)
//   - Prometheus exposition and TLS support
//
// # Architecture
//
// Every handler goes through hub.Hub, which stores messages and fans them
// out. Long polls and WebSocket subscriptions both subscribe to the hub
// before reading the store, so a message inserted in between is never lost.
//
// # Security
//
// Users authenticate with "Authorization: Bearer <accessKey>" or HTTP Basic.
// Devices authenticate with the Auth-DeviceID and Auth-DeviceKey headers and
// may only reach their own resources. WebSocket connections may instead send
// the authenticate action as their first request.
package api
