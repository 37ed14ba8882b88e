package hub

import "errors"

// ErrClosed is returned once the hub has been closed.
var ErrClosed = errors.New("hub: closed")
