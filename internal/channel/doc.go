// Package channel provides persistent logical connections to the hub.
//
// A Channel carries subscriptions to notifications and commands, sends
// notifications and commands, and matches asynchronous command results back
// to the caller that issued the command. Two transports implement it:
//
//   - LongPollChannel: one blocking HTTP poll loop per subscription
//   - WebSocketChannel: a single multiplexed socket carrying JSON envelopes
//     correlated by request id
//
// Both embed Core, which owns the channel state machine, the subscription
// table and the command correlation table. Transports plug into Core through
// the Hooks interface.
//
// # State machine
//
//	Disconnected → Connecting → Connected
//	Connected → Reconnecting → Connected | Disconnected
//
// Entering Disconnected clears every subscription; callers resubscribe after
// reopening. Operations issued while Reconnecting wait for the outcome and
// fail with ErrNotActive unless the channel is Connected again.
//
// # Callbacks
//
// Subscription callbacks and command callbacks never run on a transport
// goroutine or under a lock. Subscription callbacks for one subscription run
// in delivery order; a panicking callback is recovered and logged.
package channel
