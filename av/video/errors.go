package video

import "errors"

// Sentinel errors for video package operations.
var (
	// ErrInvalidFrame indicates a frame with bad dimensions or plane sizes.
	ErrInvalidFrame = errors.New("invalid video frame")

	// ErrNeedKeyframe indicates the decoder cannot continue until a keyframe
	// arrives: the unit was corrupt or its reference is missing or stale.
	// The last good output is kept.
	ErrNeedKeyframe = errors.New("decoder needs keyframe")

	// ErrCodecInit indicates the codec could not be created.
	ErrCodecInit = errors.New("codec initialization failed")

	// ErrEncoderClosed indicates use of a closed encoder.
	ErrEncoderClosed = errors.New("encoder closed")

	// ErrInvalidBitRate indicates a zero bit rate.
	ErrInvalidBitRate = errors.New("bit rate must be positive")

	// ErrWrongDirection indicates a buffer format that does not match the
	// requested conversion direction.
	ErrWrongDirection = errors.New("buffer format does not match conversion direction")
)
