package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// DefaultCallbackWait is how long a command result waits for its callback
// to be registered before it is dropped.
const DefaultCallbackWait = 10 * time.Second

// CorrelationTable matches command results to the callbacks waiting for them.
//
// A result may arrive before the caller that issued the command has
// registered its callback. Invoke then leaves a placeholder and waits up to
// the configured duration for Register to fill it in. Several callbacks may
// be registered for one command id; the result fires all of them. Each
// entry resolves at most once and is removed when it resolves or its wait
// expires.
//
// Thread Safety: all methods are safe for concurrent use.
type CorrelationTable struct {
	wait   time.Duration
	logger Logger

	mu      sync.Mutex
	entries map[int64]*commandEntry
	closed  bool
	done    chan struct{}
}

type commandEntry struct {
	callbacks []*commandCallback

	// ready is non-nil for placeholders and closed when the first callback
	// arrives.
	ready  chan struct{}
	filled bool
}

// commandCallback is one registration; its address identifies it for remove.
type commandCallback struct {
	fn func(*device.Command)
}

// NewCorrelationTable creates a table. A non-positive wait uses DefaultCallbackWait.
func NewCorrelationTable(wait time.Duration, logger Logger) *CorrelationTable {
	if wait <= 0 {
		wait = DefaultCallbackWait
	}
	return &CorrelationTable{
		wait:    wait,
		logger:  logger,
		entries: make(map[int64]*commandEntry),
		done:    make(chan struct{}),
	}
}

// Register adds a callback for a command id. If a result is already
// waiting for this id, the callback fires with it. Callbacks registered
// earlier for the same id stay registered.
func (t *CorrelationTable) Register(commandID int64, callback func(*device.Command)) error {
	_, err := t.register(commandID, callback)
	return err
}

func (t *CorrelationTable) register(commandID int64, callback func(*device.Command)) (*commandCallback, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: nil command callback", ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	cb := &commandCallback{fn: callback}
	e, ok := t.entries[commandID]
	if !ok {
		e = &commandEntry{}
		t.entries[commandID] = e
	}
	e.callbacks = append(e.callbacks, cb)
	if e.ready != nil && !e.filled {
		e.filled = true
		close(e.ready)
	}
	return cb, nil
}

// Invoke resolves the entry for cmd.ID. When no callback is registered yet
// it blocks until one is, the wait expires or the table is closed.
//
// Returns:
//   - bool: true if at least one callback was fired
func (t *CorrelationTable) Invoke(cmd *device.Command) bool {
	if cmd == nil {
		return false
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	e, ok := t.entries[cmd.ID]
	switch {
	case ok && e.ready != nil:
		// Another result for this id is already waiting.
		t.mu.Unlock()
		return false
	case ok:
		delete(t.entries, cmd.ID)
		t.mu.Unlock()
		return t.fireAll(e.callbacks, cmd)
	}
	e = &commandEntry{ready: make(chan struct{})}
	t.entries[cmd.ID] = e
	t.mu.Unlock()

	timer := time.NewTimer(t.wait)
	defer timer.Stop()
	select {
	case <-e.ready:
	case <-timer.C:
	case <-t.done:
	}

	t.mu.Lock()
	callbacks := e.callbacks
	if t.entries[cmd.ID] == e {
		delete(t.entries, cmd.ID)
	}
	t.mu.Unlock()

	return t.fireAll(callbacks, cmd)
}

// Await registers a callback for commandID and blocks until it fires.
func (t *CorrelationTable) Await(ctx context.Context, commandID int64) (*device.Command, error) {
	result := make(chan *device.Command, 1)
	cb, err := t.register(commandID, func(cmd *device.Command) { result <- cmd })
	if err != nil {
		return nil, err
	}

	select {
	case cmd := <-result:
		return cmd, nil
	case <-ctx.Done():
		t.remove(commandID, cb)
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// Len returns the number of unresolved entries.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close drops every entry and releases all waiters.
func (t *CorrelationTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.entries = make(map[int64]*commandEntry)
	close(t.done)
}

func (t *CorrelationTable) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// remove drops one registration. The entry goes with its last callback
// unless a result is waiting on it.
func (t *CorrelationTable) remove(commandID int64, cb *commandCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[commandID]
	if !ok {
		return
	}
	for i, c := range e.callbacks {
		if c == cb {
			e.callbacks = append(e.callbacks[:i:i], e.callbacks[i+1:]...)
			break
		}
	}
	if len(e.callbacks) == 0 && e.ready == nil {
		delete(t.entries, commandID)
	}
}

func (t *CorrelationTable) fireAll(callbacks []*commandCallback, cmd *device.Command) bool {
	for _, cb := range callbacks {
		t.fire(cb.fn, cmd)
	}
	return len(callbacks) > 0
}

func (t *CorrelationTable) fire(callback func(*device.Command), cmd *device.Command) {
	go func() {
		defer func() {
			if r := recover(); r != nil && t.logger != nil {
				t.logger.Error("command callback panicked", "command_id", cmd.ID, "panic", r)
			}
		}()
		callback(cmd)
	}()
}
