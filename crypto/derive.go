package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every derived key.
const KeySize = 32

// MinSecretSize is the shortest shared secret accepted from signaling.
const MinSecretSize = 16

var (
	// ErrSecretTooShort indicates a shared secret below MinSecretSize.
	ErrSecretTooShort = errors.New("shared secret too short")
)

// LabelHandshakePSK labels the handshake pre-shared key. Distinct labels
// yield independent keys from one secret.
const LabelHandshakePSK = "deskstream handshake psk v1"


// DeriveKey expands secret into a KeySize key bound to label and salt using
// HKDF-SHA256. The salt is typically the session identifier agreed through
// signaling and may be empty.
func DeriveKey(secret, salt []byte, label string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(secret) < MinSecretSize {
		return key, fmt.Errorf("%w: %d bytes, need %d", ErrSecretTooShort, len(secret), MinSecretSize)
	}

	r := hkdf.New(sha256.New, secret, salt, []byte(label))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// DeriveHandshakePSK returns the pre-shared key for the liveness handshake.
func DeriveHandshakePSK(secret, salt []byte) ([KeySize]byte, error) {
	return DeriveKey(secret, salt, LabelHandshakePSK)
}
