// Package limits provides centralized datagram and media size limits for the
// deskstream transport. This ensures the packetizer, the session and the codec
// agree on how large a single transport unit may be.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest UDP payload the transport emits (1200 bytes).
	// This stays below the common 1280 byte IPv6 minimum MTU after IP/UDP headers.
	MaxDatagram = 1200

	// DatagramPrefix is the cleartext prefix of a sealed datagram:
	// kind (1) + channel (1) + counter (8).
	DatagramPrefix = 10

	// EncryptionOverhead is the ChaCha20-Poly1305 authentication tag size.
	EncryptionOverhead = 16

	// HeaderSize is the fixed little-endian packet header inside the sealed body.
	HeaderSize = 12

	// MaxPayload is the largest packet payload that fits in one datagram.
	MaxPayload = MaxDatagram - DatagramPrefix - EncryptionOverhead - HeaderSize

	// MaxFragments is the largest fragment count expressible in the header.
	MaxFragments = 0xFFFF

	// MaxEncodedUnit bounds a single compressed frame (fragment count times payload).
	MaxEncodedUnit = MaxFragments * MaxPayload

	// MaxControlMessage bounds an encoded control message. Control messages are
	// never fragmented.
	MaxControlMessage = MaxPayload
)

var (
	// ErrEmpty indicates an empty payload was provided
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge indicates a payload exceeds its maximum size
	ErrTooLarge = errors.New("payload too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePayload validates a single packet payload against MaxPayload.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrTooLarge, len(payload), MaxPayload)
	}
	return nil
}

// ValidateEncodedUnit validates a compressed frame before fragmentation.
func ValidateEncodedUnit(unit []byte) error {
	if len(unit) == 0 {
		return ErrEmpty
	}
	if len(unit) > MaxEncodedUnit {
		return fmt.Errorf("%w: encoded unit size %d exceeds limit %d", ErrTooLarge, len(unit), MaxEncodedUnit)
	}
	return nil
}

// ValidateControlMessage validates an encoded control message.
func ValidateControlMessage(message []byte) error {
	if len(message) == 0 {
		return ErrEmpty
	}
	if len(message) > MaxControlMessage {
		return fmt.Errorf("%w: control message size %d exceeds limit %d", ErrTooLarge, len(message), MaxControlMessage)
	}
	return nil
}

// FragmentCount returns how many packets a unit of size n needs.
func FragmentCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + MaxPayload - 1) / MaxPayload
}
