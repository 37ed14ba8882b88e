package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

const (
	// mirrorQueueSize bounds the messages waiting to be published.
	mirrorQueueSize = 1024

	// commandInsertTimeout bounds storing one command received over MQTT.
	commandInsertTimeout = 5 * time.Second
)

// Publisher sends MQTT messages. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber registers MQTT message handlers. *Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// CommandStore stores commands received from MQTT clients. *hub.Hub
// implements it.
type CommandStore interface {
	InsertCommand(ctx context.Context, deviceID string, c *device.Command) error
}

type outbound struct {
	topic   string
	payload []byte
}

// Mirror republishes stored notifications, commands and command results to
// MQTT. It is registered as a hub listener.
//
// Listener calls only queue the message; a single goroutine publishes in
// order. When the queue is full the message is dropped and counted.
//
// Thread Safety: safe for concurrent use.
type Mirror struct {
	pub     Publisher
	topics  Topics
	qos     byte
	logger  Logger
	queue   chan outbound
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewMirror creates a mirror and starts its publishing goroutine.
//
// Parameters:
//   - pub: the MQTT publisher
//   - topics: topic builders for the configured prefix
//   - qos: QoS of mirrored messages
//   - logger: receives publish failures; may be nil
func NewMirror(pub Publisher, topics Topics, qos byte, logger Logger) *Mirror {
	m := &Mirror{
		pub:     pub,
		topics:  topics,
		qos:     qos,
		logger:  logger,
		queue:   make(chan outbound, mirrorQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

// NotificationInserted mirrors a notification to {prefix}/device/{id}/notification.
func (m *Mirror) NotificationInserted(deviceID string, n device.Notification) {
	m.enqueue(m.topics.Notification(deviceID), protocol.DeviceNotification{DeviceGUID: deviceID, Notification: &n})
}

// CommandInserted mirrors a command to {prefix}/device/{id}/command.
func (m *Mirror) CommandInserted(deviceID string, c device.Command) {
	m.enqueue(m.topics.Command(deviceID), protocol.DeviceCommand{DeviceGUID: deviceID, Command: &c})
}

// CommandUpdated mirrors a command result to {prefix}/device/{id}/command/update.
func (m *Mirror) CommandUpdated(deviceID string, c device.Command) {
	m.enqueue(m.topics.CommandUpdate(deviceID), protocol.DeviceCommand{DeviceGUID: deviceID, Command: &c})
}

// Dropped returns the number of messages dropped because the queue was full.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Close publishes the queued messages and stops the mirror.
// Messages arriving after Close are discarded.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
}

func (m *Mirror) enqueue(topic string, v any) {
	select {
	case <-m.done:
		return
	default:
	}

	payload, err := json.Marshal(v)
	if err != nil {
		m.warn("MQTT mirror encode failed", "topic", topic, "error", err)
		return
	}
	select {
	case m.queue <- outbound{topic: topic, payload: payload}:
	default:
		m.dropped.Add(1)
		m.warn("MQTT mirror queue full, message dropped", "topic", topic)
	}
}

func (m *Mirror) run() {
	defer close(m.stopped)
	for {
		select {
		case msg := <-m.queue:
			m.publish(msg)
		case <-m.done:
			for {
				select {
				case msg := <-m.queue:
					m.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) publish(msg outbound) {
	if err := m.pub.Publish(msg.topic, msg.payload, m.qos, false); err != nil {
		m.warn("MQTT mirror publish failed", "topic", msg.topic, "error", err)
	}
}

func (m *Mirror) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

// AcceptCommands subscribes to {prefix}/device/+/command/insert and stores
// each received command for the device named in the topic.
//
// The payload is a command object, as sent to POST /device/{id}/command.
//
// Parameters:
//   - sub: the MQTT subscriber
//   - topics: topic builders for the configured prefix
//   - qos: subscription QoS
//   - store: where commands are inserted
//
// Returns:
//   - error: if the subscription fails
func AcceptCommands(sub Subscriber, topics Topics, qos byte, store CommandStore) error {
	return sub.Subscribe(topics.AllCommandInserts(), qos, CommandHandler(topics, store))
}

// CommandHandler returns the message handler used by AcceptCommands.
func CommandHandler(topics Topics, store CommandStore) MessageHandler {
	return func(topic string, payload []byte) error {
		deviceID, ok := topics.DeviceID(topic)
		if !ok {
			return fmt.Errorf("%w: %q is not a device topic", ErrInvalidTopic, topic)
		}
		var c device.Command
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decoding command for %s: %w", deviceID, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandInsertTimeout)
		defer cancel()
		if err := store.InsertCommand(ctx, deviceID, &c); err != nil {
			return fmt.Errorf("inserting command for %s: %w", deviceID, err)
		}
		return nil
	}
}
