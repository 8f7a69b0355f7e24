// Package crypto derives the key material used by deskstream sessions.
//
// Signaling hands both peers a shared secret. [DeriveHandshakePSK] stretches
// it with HKDF-SHA256 into the 32-byte pre-shared key of the Noise liveness
// handshake; the handshake then produces the per-direction AEAD keys that
// protect every datagram.
//
//	psk, err := crypto.DeriveHandshakePSK(secret, []byte(sessionID))
//	if err != nil {
//	    return err
//	}
//	defer crypto.ZeroKey(&psk)
//
// Key buffers should be wiped with [ZeroKey] or [ZeroBytes] once they have been handed to
// the cipher.
package crypto
