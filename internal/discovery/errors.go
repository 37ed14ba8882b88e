package discovery

import "errors"

var (
	// ErrNotFound indicates no hub answered before the lookup timed out.
	ErrNotFound = errors.New("discovery: no hub found")

	// ErrInvalidEntry indicates an answer without a usable address.
	ErrInvalidEntry = errors.New("discovery: invalid service entry")
)
