package devicehost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nerrad567/hivehub/internal/device"
)

// Results reported when a command cannot be handled.
const (
	ResultNoHandler    = "There is no handler for this command"
	ResultHandlerError = "An error occurred while handling the command"
)

// CommandResult is the outcome a handler reports for a command.
type CommandResult struct {
	Status string
	Result any
}

// Success returns a successful result.
func Success(result any) CommandResult {
	return CommandResult{Status: device.StatusSuccess, Result: result}
}

// Failure returns a failed result.
func Failure(result any) CommandResult {
	return CommandResult{Status: device.StatusFailed, Result: result}
}

// HandlerFunc handles one command.
type HandlerFunc func(ctx context.Context, cmd device.Command) (CommandResult, error)

// Registry maps command names to handlers.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for a command name.
func (r *Registry) Handle(name string, h HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler for cmd.Name.
//
// Unknown commands fail with ResultNoHandler. Handler errors and panics fail
// with ResultHandlerError.
//
// Returns:
//   - CommandResult: the result to report
//   - error: a *HandlerError next to a failed result, or ctx.Err() when the
//     handler gave up because ctx ended; no result is reported then
func (r *Registry) Dispatch(ctx context.Context, cmd device.Command) (result CommandResult, err error) {
	r.mu.RLock()
	h, ok := r.handlers[strings.TrimSpace(cmd.Name)]
	r.mu.RUnlock()
	if !ok {
		return Failure(ResultNoHandler), nil
	}

	defer func() {
		if p := recover(); p != nil {
			result = Failure(ResultHandlerError)
			err = &HandlerError{Command: cmd.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	res, herr := h(ctx, cmd)
	switch {
	case herr == nil:
		if res.Status == "" {
			res.Status = device.StatusSuccess
		}
		return res, nil
	case ctx.Err() != nil && errors.Is(herr, ctx.Err()):
		return CommandResult{}, herr
	default:
		return Failure(ResultHandlerError), &HandlerError{Command: cmd.Name, Err: herr}
	}
}

// HandlerError wraps an error returned by a command handler. Dispatch
// returns it alongside the failed result so callers can log the cause.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling command %q: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
