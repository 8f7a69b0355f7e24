package crypto

import "runtime"

// ZeroBytes overwrites key material with zeros. Nil slices are ignored.
func ZeroBytes(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}

// ZeroKey overwrites a derived key in place.
func ZeroKey(key *[KeySize]byte) {
	if key == nil {
		return
	}
	ZeroBytes(key[:])
}
