package devicehost

import "errors"

// Domain errors for the devicehost package.
var (
	// ErrAlreadyRunning is returned by Start on a running host.
	ErrAlreadyRunning = errors.New("devicehost: already running")

	// ErrNotRunning is returned by Stop on a stopped host.
	ErrNotRunning = errors.New("devicehost: not running")

	// ErrInvalidHandler is returned for an empty command name or a nil handler.
	ErrInvalidHandler = errors.New("devicehost: invalid command handler")

	// ErrDuplicateHandler is returned when a command name is registered twice.
	ErrDuplicateHandler = errors.New("devicehost: duplicate command handler")

	// ErrInvalidArgument is returned for nil devices, empty statuses and
	// empty equipment codes.
	ErrInvalidArgument = errors.New("devicehost: invalid argument")
)
