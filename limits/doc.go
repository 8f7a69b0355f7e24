// Package limits provides centralized datagram and media size constants and
// validation functions for deskstream.
//
// # Datagram Layout
//
// Every datagram on the wire is bounded by MaxDatagram. A sealed datagram is
// laid out as:
//
//	[kind:1][channel:1][counter:8][ AEAD( header:12 | payload ) ][tag:16]
//
// which leaves MaxPayload bytes for media or control data per packet.
//
// # Validation Functions
//
// Each validation function checks for empty input and size violations:
//
//	if err := limits.ValidateEncodedUnit(unit); err != nil {
//	    return fmt.Errorf("cannot packetize: %w", err)
//	}
//
// Errors wrap ErrEmpty or ErrTooLarge and can be classified with errors.Is.
package limits
