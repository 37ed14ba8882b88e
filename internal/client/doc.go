// Package client is the application-facing facade over the hub.
//
// A Client owns a list of available channels (WebSocket first, then long
// polling) and opens the first one the server supports on demand. Messaging
// operations go through the open channel; resource queries go through the
// REST API.
//
//	c, err := client.New(client.ConnectionInfo{ServiceURL: "http://hub:8080/api", AccessKey: key})
//	sub, err := c.AddNotificationSubscription(ctx, nil, nil, func(n *protocol.DeviceNotification) {
//	    log.Printf("%s: %s", n.DeviceGUID, n.Notification.Name)
//	})
package client
