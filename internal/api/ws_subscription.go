package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// catchUpBatch is the page size of store queries that replay missed messages.
const catchUpBatch = 100

// earlyUpdateLimit bounds the command updates kept for commands whose insert
// reply has not been queued yet.
const earlyUpdateLimit = 64

// wsSubscription pushes notifications or commands matching a filter to one
// connection.
//
// Messages are pushed in timestamp order, each at most once: the pump keeps
// the timestamp of the last pushed message and skips anything not newer.
// When the hub reports dropped events the pump replays from the store.
type wsSubscription struct {
	id        string
	kind      hub.Kind
	sub       *hub.Subscription
	query     device.MessageFilter
	watermark time.Time
	catchUp   bool
	stopOnce  sync.Once
	stopped   chan struct{}
}

// subscribe registers a subscription on c. The pump starts once the reply
// carrying the subscription id has been queued.
//
// Parameters:
//   - kind: hub.KindNotification or hub.KindCommand
//   - deviceIDs, names: filters; empty matches everything
//   - since: replay stored messages newer than since; zero starts from now
func (c *wsConn) subscribe(kind hub.Kind, deviceIDs, names []string, since time.Time) (*wsSubscription, error) {
	ws := &wsSubscription{
		id:      uuid.NewString(),
		kind:    kind,
		query:   device.MessageFilter{DeviceIDs: deviceIDs, Names: names, Take: catchUpBatch},
		stopped: make(chan struct{}),
	}
	if since.IsZero() {
		ws.watermark = c.server.hub.Now().Add(-time.Microsecond)
	} else {
		ws.watermark = since
		ws.catchUp = true
	}

	sub, err := c.server.hub.Subscribe(hub.Filter{Kind: kind, DeviceIDs: deviceIDs, Names: names})
	if err != nil {
		return nil, err
	}
	ws.sub = sub

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		sub.Close()
		return nil, hub.ErrClosed
	}
	c.subs[ws.id] = ws
	c.mu.Unlock()

	c.server.metrics.subscriptionAdded()
	return ws, nil
}

// unsubscribe stops subscription id. Devices may only stop their own.
func (c *wsConn) unsubscribe(id string, kind hub.Kind) error {
	c.mu.Lock()
	ws, ok := c.subs[id]
	if ok && ws.kind == kind {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if !ok || ws.kind != kind {
		return badRequest("subscription not found: " + id)
	}
	ws.stop()
	c.server.metrics.subscriptionRemoved()
	return nil
}

func (ws *wsSubscription) stop() {
	ws.stopOnce.Do(func() {
		close(ws.stopped)
		ws.sub.Close()
	})
}

// run pushes matching messages until the subscription or connection ends.
func (c *wsConn) run(ws *wsSubscription) {
	if ws.catchUp && !c.replay(ws) {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case <-ws.stopped:
			return
		case e, ok := <-ws.sub.Events():
			if !ok {
				return
			}
			if ws.sub.TakeLagged() {
				c.logger.Warn("subscription lagged, replaying from store", "subscription", ws.id)
				if !c.replay(ws) {
					return
				}
				continue
			}
			if e.Timestamp().After(ws.watermark) && !c.pushEvent(ws, e) {
				return
			}
		}
	}
}

// replay pushes stored messages newer than the watermark.
// It returns false when the connection or subscription has ended.
func (c *wsConn) replay(ws *wsSubscription) bool {
	for {
		f := ws.query
		f.After = ws.watermark

		var events []hub.Event
		switch ws.kind {
		case hub.KindNotification:
			items, err := c.server.hub.ListNotifications(c.ctx, f)
			if err != nil {
				return c.replayFailed(ws, err)
			}
			for i := range items {
				events = append(events, hub.Event{Kind: ws.kind, DeviceID: items[i].DeviceID, Notification: &items[i].Notification})
			}
		case hub.KindCommand:
			items, err := c.server.hub.ListCommands(c.ctx, f)
			if err != nil {
				return c.replayFailed(ws, err)
			}
			for i := range items {
				events = append(events, hub.Event{Kind: ws.kind, DeviceID: items[i].DeviceID, Command: &items[i].Command})
			}
		}

		for _, e := range events {
			if !c.pushEvent(ws, e) {
				return false
			}
		}
		if len(events) < catchUpBatch {
			return true
		}
	}
}

func (c *wsConn) replayFailed(ws *wsSubscription, err error) bool {
	if isClosed(err) {
		return false
	}
	c.logger.Error("subscription replay failed", "subscription", ws.id, "error", err)
	return true
}

// pushEvent queues e for the client and advances the watermark.
func (c *wsConn) pushEvent(ws *wsSubscription, e hub.Event) bool {
	select {
	case <-ws.stopped:
		return false
	default:
	}

	var env protocol.Envelope
	var err error
	switch e.Kind {
	case hub.KindNotification:
		env, err = protocol.NewEnvelope(protocol.ActionNotificationInsert, "", map[string]any{
			protocol.FieldSubscriptionID: ws.id,
			protocol.FieldDeviceGUID:     e.DeviceID,
			protocol.FieldNotification:   e.Notification,
		})
	case hub.KindCommand:
		env, err = protocol.NewEnvelope(protocol.ActionCommandInsert, "", map[string]any{
			protocol.FieldSubscriptionID: ws.id,
			protocol.FieldDeviceGUID:     e.DeviceID,
			protocol.FieldCommand:        e.Command,
		})
	default:
		return true
	}
	if err != nil {
		c.logger.Error("failed to encode event", "subscription", ws.id, "error", err)
		return true
	}

	ws.watermark = e.Timestamp()
	return c.enqueue(env)
}

type commandKey struct {
	deviceID string
	id       int64
}

// commandWatch pushes command/update events for the commands inserted on
// one connection.
type commandWatch struct {
	sub     *hub.Subscription
	watched map[commandKey]string // last pushed status
	early   []hub.Event
}

// watchCommand arranges for updates of a command inserted on c to be pushed
// to c. It must run after the insert reply is queued.
func (c *wsConn) watchCommand(deviceID string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		return
	}
	if c.updates == nil {
		sub, err := c.server.hub.Subscribe(hub.Filter{Kind: hub.KindCommandUpdate})
		if err != nil {
			c.logger.Warn("cannot watch command updates", "error", err)
			return
		}
		c.updates = &commandWatch{sub: sub, watched: make(map[commandKey]string)}
		go c.runUpdates(c.updates)
	}

	w := c.updates
	key := commandKey{deviceID: deviceID, id: id}
	w.watched[key] = ""

	kept := w.early[:0]
	for _, e := range w.early {
		if e.DeviceID == deviceID && e.Command.ID == id {
			c.pushUpdateLocked(w, key, e.Command)
			continue
		}
		kept = append(kept, e)
	}
	w.early = kept
}

// runUpdates forwards command updates of watched commands.
func (c *wsConn) runUpdates(w *commandWatch) {
	for {
		select {
		case <-c.done:
			return
		case e, ok := <-w.sub.Events():
			if !ok {
				return
			}
			lagged := w.sub.TakeLagged()

			c.mu.Lock()
			key := commandKey{deviceID: e.DeviceID, id: e.Command.ID}
			if _, ok := w.watched[key]; ok {
				c.pushUpdateLocked(w, key, e.Command)
			} else {
				if len(w.early) == earlyUpdateLimit {
					w.early = w.early[1:]
				}
				w.early = append(w.early, e)
			}
			if lagged {
				c.refreshWatchedLocked(w)
			}
			c.mu.Unlock()
		}
	}
}

// refreshWatchedLocked pushes watched commands whose stored status differs
// from the last one pushed. c.mu must be held.
func (c *wsConn) refreshWatchedLocked(w *commandWatch) {
	for key, last := range w.watched {
		cmd, err := c.server.hub.GetCommand(c.ctx, key.deviceID, key.id)
		if err != nil {
			continue
		}
		if cmd.Status != "" && cmd.Status != last {
			c.pushUpdateLocked(w, key, cmd)
		}
	}
}

// pushUpdateLocked queues a command/update event. c.mu must be held.
func (c *wsConn) pushUpdateLocked(w *commandWatch, key commandKey, cmd *device.Command) {
	env, err := protocol.NewEnvelope(protocol.ActionCommandUpdate, "", map[string]any{
		protocol.FieldDeviceGUID: key.deviceID,
		protocol.FieldCommand:    cmd,
	})
	if err != nil {
		c.logger.Error("failed to encode command update", "command_id", key.id, "error", err)
		return
	}
	w.watched[key] = cmd.Status
	c.enqueue(env)
}
