// Package mqtt mirrors hub messages to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and restored subscriptions
//   - A retained {prefix}/status topic with a last will for crash detection
//   - Mirror, a hub listener that republishes stored messages
//   - AcceptCommands, which stores commands published by MQTT clients
//
// # Topics
//
//	{prefix}/device/{id}/notification     notifications, as {deviceGuid, notification}
//	{prefix}/device/{id}/command          commands, as {deviceGuid, command}
//	{prefix}/device/{id}/command/update   command results, as {deviceGuid, command}
//	{prefix}/device/{id}/command/insert   commands submitted by MQTT clients
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mirror := mqtt.NewMirror(client, client.Topics(), client.QoS(), logger)
//	bus.AddListener(mirror)
//	defer mirror.Close()
//
//	err = mqtt.AcceptCommands(client, client.Topics(), client.QoS(), bus)
package mqtt
