package av

import (
	"errors"
	"fmt"

	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/transport"
)

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Pipeline reset errors.
var (
	// ErrResourceFailure indicates the device or codec can no longer be
	// used. The pipeline stops and must be rebuilt; the session survives.
	ErrResourceFailure = errors.New("pipeline resource failure")

	// ErrSessionFailure indicates the transport session failed. It is
	// terminal for the pipeline and its owner.
	ErrSessionFailure = errors.New("session failure")
)

// Queue errors.
var (
	// ErrQueueClosed indicates the frame queue was closed.
	ErrQueueClosed = errors.New("frame queue closed")

	// ErrSequenceNotIncreasing indicates a frame whose sequence id does not
	// exceed the previous one.
	ErrSequenceNotIncreasing = errors.New("frame sequence id not increasing")
)

// Pipeline state errors.
var (
	// ErrPipelineStopped indicates use of a pipeline after it stopped.
	ErrPipelineStopped = errors.New("pipeline stopped")

	// ErrPipelineRunning indicates Start was called twice.
	ErrPipelineRunning = errors.New("pipeline already running")

	// ErrInvalidBitRate indicates a non-positive or out of range bit rate.
	ErrInvalidBitRate = errors.New("invalid bit rate")
)

// classify maps a stage error onto the pipeline reset kinds. Errors that
// are neither resource nor session failures are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrResourceFailure), errors.Is(err, ErrSessionFailure):
		return err
	case gpu.IsResourceFailure(err), errors.Is(err, video.ErrCodecInit), errors.Is(err, video.ErrEncoderClosed):
		return fmt.Errorf("%w: %w", ErrResourceFailure, err)
	case transport.IsSessionFailure(err):
		return fmt.Errorf("%w: %w", ErrSessionFailure, err)
	default:
		return err
	}
}
