// Package noise wraps github.com/flynn/noise for the session liveness
// handshake.
//
// Both peers derive the same pre-shared key from the signaling secret and
// run [PSKHandshake]. The initiator writes the first message, the responder
// reads it and writes the reply, and the initiator reads the reply. Each side
// then takes its send and receive ciphers from [PSKHandshake.Ciphers]:
//
//	hs, err := noise.NewPSKHandshake(psk[:], prologue, noise.Initiator)
//	msg1, err := hs.WriteMessage(nil)
//	// ... send msg1, receive msg2 ...
//	_, err = hs.ReadMessage(msg2)
//	send, recv, err := hs.Ciphers()
//
// A peer holding a different key fails ReadMessage with ErrInvalidMessage.
package noise
