package api

import (
	"strings"
	"time"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// clientActions are the requests accepted on the /client endpoint.
var clientActions map[string]wsHandler

// deviceActions are the requests accepted on the /device endpoint.
var deviceActions map[string]wsHandler

func init() {
	clientActions = map[string]wsHandler{
		protocol.ActionAuthenticate:            authenticateClient,
		protocol.ActionServerInfo:              serverInfo,
		protocol.ActionNotificationSubscribe:   subscribeTo(hub.KindNotification),
		protocol.ActionNotificationUnsubscribe: unsubscribeFrom(hub.KindNotification),
		protocol.ActionCommandSubscribe:        subscribeTo(hub.KindCommand),
		protocol.ActionCommandUnsubscribe:      unsubscribeFrom(hub.KindCommand),
		protocol.ActionNotificationInsert:      insertNotification,
		protocol.ActionCommandInsert:           insertCommand,
		protocol.ActionCommandUpdate:           updateCommand,
		protocol.ActionDeviceGet:               getDevice,
		protocol.ActionDeviceSave:              saveDevice,
	}
	deviceActions = map[string]wsHandler{
		protocol.ActionAuthenticate:       authenticateDevice,
		protocol.ActionServerInfo:         serverInfo,
		protocol.ActionCommandSubscribe:   subscribeTo(hub.KindCommand),
		protocol.ActionCommandUnsubscribe: unsubscribeFrom(hub.KindCommand),
		protocol.ActionNotificationInsert: insertNotification,
		protocol.ActionCommandUpdate:      updateCommand,
		protocol.ActionDeviceGet:          getDevice,
		protocol.ActionDeviceSave:         saveDevice,
	}
}

// authenticateClient accepts an access key or a login and password.
func authenticateClient(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	var user *auth.User
	var err error
	if key := env.String(protocol.FieldAccessKey); key != "" {
		user, err = c.server.auth.AuthenticateKey(c.ctx, key)
	} else if login := env.String(protocol.FieldLogin); login != "" {
		user, err = c.server.auth.AuthenticatePassword(c.ctx, login, env.String(protocol.FieldPassword))
	} else {
		return nil, nil, badRequest("accessKey or login is required")
	}
	if err != nil {
		c.server.metrics.authFailed("websocket")
		c.logger.Debug("websocket authentication failed", "error", err)
		return nil, nil, badRequest("invalid credentials")
	}

	c.setPrincipal(&Principal{User: user})
	c.logger.Debug("websocket authenticated", "user", user.Login)
	return nil, nil, nil
}

// authenticateDevice accepts a device id and key.
func authenticateDevice(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	id := env.String(protocol.FieldDeviceID)
	if id == "" {
		return nil, nil, badRequest("deviceId is required")
	}
	d, err := c.server.hub.AuthenticateDevice(c.ctx, id, env.String(protocol.FieldDeviceKey))
	if err != nil {
		c.server.metrics.authFailed("websocket")
		c.logger.Debug("device authentication failed", "device_id", id, "error", err)
		return nil, nil, badRequest("invalid credentials")
	}

	c.setPrincipal(&Principal{Device: d})
	c.logger.Debug("websocket authenticated", "device_id", d.ID)
	return nil, nil, nil
}

func serverInfo(c *wsConn, _ protocol.Envelope) (map[string]any, func(), error) {
	info := c.info
	info.ServerTimestamp = c.server.hub.Now()
	return map[string]any{protocol.FieldInfo: info}, nil, nil
}

// subscribeTo returns the subscribe handler for kind.
//
// Request fields: timestamp (optional), deviceGuids, names. A device
// principal always subscribes to its own device.
func subscribeTo(kind hub.Kind) wsHandler {
	return func(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
		p := c.currentPrincipal()
		if !p.Can(auth.PermMessageRead) {
			return nil, nil, auth.ErrForbidden
		}

		var deviceIDs, names []string
		if _, err := env.Decode(protocol.FieldDeviceGUIDs, &deviceIDs); err != nil {
			return nil, nil, badRequest("invalid deviceGuids")
		}
		if _, err := env.Decode(protocol.FieldNames, &names); err != nil {
			return nil, nil, badRequest("invalid names")
		}
		if p.Device != nil {
			for _, id := range deviceIDs {
				if !p.CanAccessDevice(id) {
					return nil, nil, auth.ErrForbidden
				}
			}
			deviceIDs = []string{p.Device.ID}
		}

		since, err := envTimestamp(env)
		if err != nil {
			return nil, nil, err
		}

		ws, err := c.subscribe(kind, deviceIDs, names, since)
		if err != nil {
			return nil, nil, err
		}
		c.logger.Debug("subscribed", "kind", kind.String(), "subscription", ws.id, "devices", deviceIDs)
		return map[string]any{protocol.FieldSubscriptionID: ws.id}, func() { go c.run(ws) }, nil
	}
}

// unsubscribeFrom returns the unsubscribe handler for kind.
func unsubscribeFrom(kind hub.Kind) wsHandler {
	return func(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
		id := env.String(protocol.FieldSubscriptionID)
		if id == "" {
			return nil, nil, badRequest("subscriptionId is required")
		}
		return nil, nil, c.unsubscribe(id, kind)
	}
}

// insertNotification stores a notification. Fields: deviceGuid (defaults to
// the authenticated device), notification.
func insertNotification(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	deviceID, err := c.targetDevice(env, protocol.FieldDeviceGUID, auth.PermMessageWrite)
	if err != nil {
		return nil, nil, err
	}
	var n device.Notification
	if ok, err := env.Decode(protocol.FieldNotification, &n); !ok || err != nil {
		return nil, nil, badRequest("notification is required")
	}
	if err := c.server.hub.InsertNotification(c.ctx, deviceID, &n); err != nil {
		return nil, nil, err
	}
	return map[string]any{protocol.FieldNotification: n}, nil, nil
}

// insertCommand stores a command and watches it for updates. Fields:
// deviceGuid, command.
func insertCommand(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	deviceID, err := c.targetDevice(env, protocol.FieldDeviceGUID, auth.PermMessageWrite)
	if err != nil {
		return nil, nil, err
	}
	var cmd device.Command
	if ok, err := env.Decode(protocol.FieldCommand, &cmd); !ok || err != nil {
		return nil, nil, badRequest("command is required")
	}
	cmd.UserID = c.currentPrincipal().UserID()
	if err := c.server.hub.InsertCommand(c.ctx, deviceID, &cmd); err != nil {
		return nil, nil, err
	}
	return map[string]any{protocol.FieldCommand: cmd}, func() { c.watchCommand(deviceID, cmd.ID) }, nil
}

// updateCommand stores a command result. Fields: deviceGuid (defaults to the
// authenticated device), commandId, command.
func updateCommand(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	deviceID, err := c.targetDevice(env, protocol.FieldDeviceGUID, auth.PermMessageWrite)
	if err != nil {
		return nil, nil, err
	}
	var id int64
	if ok, err := env.Decode(protocol.FieldCommandID, &id); !ok || err != nil {
		return nil, nil, badRequest("commandId is required")
	}
	var upd device.CommandUpdate
	if ok, err := env.Decode(protocol.FieldCommand, &upd); !ok || err != nil {
		return nil, nil, badRequest("command is required")
	}
	if _, err := c.server.hub.UpdateCommand(c.ctx, deviceID, id, upd); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// getDevice returns a device. Field: deviceId (defaults to the
// authenticated device).
func getDevice(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	deviceID, err := c.targetDevice(env, protocol.FieldDeviceID, auth.PermDeviceRead)
	if err != nil {
		return nil, nil, err
	}
	d, err := c.server.hub.GetDevice(c.ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{protocol.FieldDevice: c.server.redactDevice(c.currentPrincipal(), d)}, nil, nil
}

// saveDevice registers or updates a device. Fields: deviceId (defaults to
// the authenticated device), device.
func saveDevice(c *wsConn, env protocol.Envelope) (map[string]any, func(), error) {
	deviceID, err := c.targetDevice(env, protocol.FieldDeviceID, auth.PermDeviceRegister)
	if err != nil {
		return nil, nil, err
	}
	var d device.Device
	if ok, err := env.Decode(protocol.FieldDevice, &d); !ok || err != nil {
		return nil, nil, badRequest("device is required")
	}
	if d.ID != "" && !strings.EqualFold(d.ID, deviceID) {
		return nil, nil, badRequest("device id does not match deviceId")
	}
	d.ID = deviceID
	if err := c.server.hub.SaveDevice(c.ctx, &d); err != nil {
		return nil, nil, err
	}
	c.server.recordAudit(c.ctx, c.currentPrincipal(), audit.SourceWebSocket,
		audit.ActionSave, audit.EntityDevice, deviceID, deviceDetails(&d))
	return nil, nil, nil
}

// targetDevice returns the device a request acts on and checks the
// principal may act on it with perm.
func (c *wsConn) targetDevice(env protocol.Envelope, field string, perm auth.Permission) (string, error) {
	p := c.currentPrincipal()
	if !p.Can(perm) {
		return "", auth.ErrForbidden
	}
	id := env.String(field)
	if id == "" && p.Device != nil {
		id = p.Device.ID
	}
	if id == "" {
		return "", badRequest(field + " is required")
	}
	if !p.CanAccessDevice(id) {
		return "", auth.ErrForbidden
	}
	return id, nil
}

// envTimestamp parses the optional timestamp field. The zero time, as sent
// by clients without a resume point, means now.
func envTimestamp(env protocol.Envelope) (time.Time, error) {
	v := env.String(protocol.FieldTimestamp)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := device.ParseTimestamp(v)
	if err != nil {
		return time.Time{}, badRequest("invalid timestamp")
	}
	if t.Year() <= 1 {
		return time.Time{}, nil
	}
	return t, nil
}
