package deskstream

import "errors"

// Sentinel errors for Host and Viewer operations.
var (
	// ErrNotConnected indicates Start was called before the session was
	// established.
	ErrNotConnected = errors.New("session not established")

	// ErrNotStarted indicates use of a peer whose pipeline is not running.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrClosed indicates use of a closed peer.
	ErrClosed = errors.New("peer closed")

	// ErrTooManyResets indicates the pipeline kept failing after
	// MaxResets rebuilds.
	ErrTooManyResets = errors.New("too many pipeline resets")
)
