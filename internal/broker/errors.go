package broker

import "errors"

// ProtocolVersion is returned by Ping. Increment on incompatible
// interface changes.
const ProtocolVersion = 1

// MaxPendingRequests caps in-flight consent dialogs per (package, user).
const MaxPendingRequests = 3

// Errors surfaced to callers.
var (
	// ErrNotOwner: the calling peer does not own the target package in
	// the target user, or the session token was not issued to it.
	ErrNotOwner = errors.New("caller does not own package")

	// ErrRateLimited: the pending-request cap was exceeded.
	ErrRateLimited = errors.New("too many pending permission requests")
)
