package gpu

import "errors"

// Sentinel errors for gpu package operations.
var (
	// ErrDeviceLost indicates the device was lost; every pending and future
	// command fails with this error.
	ErrDeviceLost = errors.New("gpu device lost")

	// ErrDeviceClosed indicates the device has been closed.
	ErrDeviceClosed = errors.New("gpu device closed")

	// ErrDeviceBusy indicates the device command queue is full.
	ErrDeviceBusy = errors.New("gpu command queue full")

	// ErrArenaExhausted indicates no free buffer slot is available.
	ErrArenaExhausted = errors.New("gpu buffer arena exhausted")

	// ErrStaleHandle indicates a handle whose allocation has been freed.
	ErrStaleHandle = errors.New("stale gpu buffer handle")

	// ErrLeaseReleased indicates use of a lease after Release.
	ErrLeaseReleased = errors.New("gpu lease already released")

	// ErrInvalidDesc indicates an invalid buffer description.
	ErrInvalidDesc = errors.New("invalid gpu buffer description")
)

// IsResourceFailure reports whether err means the device or its resources can
// no longer be used and the owning pipeline must be rebuilt.
func IsResourceFailure(err error) bool {
	return errors.Is(err, ErrDeviceLost) ||
		errors.Is(err, ErrDeviceClosed) ||
		errors.Is(err, ErrArenaExhausted)
}
