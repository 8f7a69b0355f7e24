// Package noise implements the deskstream liveness handshake: the Noise
// NNpsk0 pattern keyed by a pre-shared key derived from the signaling secret.
//
// NNpsk0 proves both peers hold the secret and produces fresh ephemeral
// transport keys without long-term identities:
//
//	-> psk, e
//	<- e, ee
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates received message is invalid for current state
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// PSKSize is the required pre-shared key length.
const PSKSize = 32

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers the first handshake message.
	Responder
)

// String returns the role name.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// CipherSuite is the suite used for the handshake and the transport keys.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// PSKHandshake runs one NNpsk0 exchange.
type PSKHandshake struct {
	role     HandshakeRole
	state    *noise.HandshakeState
	send     noise.Cipher
	recv     noise.Cipher
	complete bool
}

// NewPSKHandshake creates a handshake for role. psk must be PSKSize bytes;
// prologue binds the exchange to context both peers agree on and may be nil.
func NewPSKHandshake(psk, prologue []byte, role HandshakeRole) (*PSKHandshake, error) {
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("pre-shared key must be %d bytes, got %d", PSKSize, len(psk))
	}

	config := noise.Config{
		CipherSuite:           CipherSuite,
		Random:                rand.Reader,
		Pattern:               noise.HandshakeNN,
		Initiator:             role == Initiator,
		Prologue:              prologue,
		PresharedKey:          append([]byte(nil), psk...),
		PresharedKeyPlacement: 0,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPSKHandshake",
		"role":     role.String(),
	}).Debug("Created NNpsk0 handshake")

	return &PSKHandshake{role: role, state: state}, nil
}

// WriteMessage produces the next outgoing handshake message: the first
// message for an initiator, the reply for a responder that has read the
// first message.
func (h *PSKHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}

	msg, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if cs1 != nil && cs2 != nil {
		h.finish(cs1, cs2)
	}
	return msg, nil
}

// ReadMessage consumes an incoming handshake message and returns its payload.
// Authentication fails when the peer used a different pre-shared key.
func (h *PSKHandshake) ReadMessage(msg []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if cs1 != nil && cs2 != nil {
		h.finish(cs1, cs2)
	}
	return payload, nil
}

// finish records the transport ciphers. cs1 protects initiator-to-responder
// traffic and cs2 the reverse direction.
func (h *PSKHandshake) finish(cs1, cs2 *noise.CipherState) {
	if h.role == Initiator {
		h.send, h.recv = cs1.Cipher(), cs2.Cipher()
	} else {
		h.send, h.recv = cs2.Cipher(), cs1.Cipher()
	}
	h.complete = true
}

// IsComplete reports whether both messages have been processed.
func (h *PSKHandshake) IsComplete() bool {
	return h.complete
}

// Role returns the local handshake role.
func (h *PSKHandshake) Role() HandshakeRole {
	return h.role
}

// Ciphers returns the AEADs for outgoing and incoming transport traffic.
// Nonces are supplied explicitly by the caller, so datagrams may be
// decrypted out of order.
func (h *PSKHandshake) Ciphers() (send, recv noise.Cipher, err error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return h.send, h.recv, nil
}
