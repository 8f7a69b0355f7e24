package transport

import "errors"

// Sentinel errors for transport operations.
var (
	// ErrHandshakeTimeout indicates the liveness handshake did not complete
	// within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrKeepaliveTimeout indicates no authenticated traffic arrived within
	// KeepaliveTimeout.
	ErrKeepaliveTimeout = errors.New("keepalive timed out")

	// ErrIntegrityFailure indicates repeated authentication failures or a
	// malformed authenticated packet.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrRetransmitExhausted indicates a control message was not acknowledged
	// after MaxRetransmits attempts.
	ErrRetransmitExhausted = errors.New("control retransmissions exhausted")

	// ErrSessionClosing indicates the session is shutting down. Blocked
	// receives return it as soon as the session enters Closing.
	ErrSessionClosing = errors.New("session closing")

	// ErrSessionClosed indicates the session reached a terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotEstablished indicates an operation that requires an established
	// session.
	ErrNotEstablished = errors.New("session not established")

	// ErrAlreadyConnecting indicates Connect was called twice.
	ErrAlreadyConnecting = errors.New("connect already called")

	// ErrInvalidTransition indicates an event that is not valid in the
	// current state. Terminal states reject every event with it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMalformedPacket indicates a packet that cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMalformedMessage indicates a control message that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrControlBacklog indicates too many unacknowledged control messages.
	ErrControlBacklog = errors.New("too many unacknowledged control messages")

	// ErrPeerClosed indicates the peer ended the session.
	ErrPeerClosed = errors.New("peer closed session")
)

// IsSessionFailure reports whether err ends the session for good.
func IsSessionFailure(err error) bool {
	return errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, ErrKeepaliveTimeout) ||
		errors.Is(err, ErrIntegrityFailure) ||
		errors.Is(err, ErrRetransmitExhausted)
}
