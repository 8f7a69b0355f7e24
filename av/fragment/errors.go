package fragment

import "errors"

var (
	// ErrInconsistentCount indicates a fragment whose count disagrees with
	// the fragments already collected for its frame.
	ErrInconsistentCount = errors.New("inconsistent fragment count")

	// ErrInvalidFragment indicates a fragment with an impossible index or count.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrClosed indicates the jitter buffer has been closed.
	ErrClosed = errors.New("jitter buffer closed")
)
