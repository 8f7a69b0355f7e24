package interfaces

import (
	"context"
	"time"

	"github.com/opd-ai/deskstream/gpu"
)

// PresentedFrame is a decoded RGBA frame handed to the presentation layer.
// The buffer is only valid for the duration of the Present call.
type PresentedFrame struct {
	Buffer    *gpu.Buffer
	FrameID   uint32
	Timestamp time.Time
}

// Presenter displays decoded frames. Present is called from the receiver's
// presentation stage and should return quickly; the core drops older frames
// rather than waiting on a slow presenter.
type Presenter interface {
	Present(frame PresentedFrame) error
}

// InputKind identifies the type of a remote input event.
type InputKind uint8

const (
	// InputMouseAbsolute positions the pointer at X, Y.
	InputMouseAbsolute InputKind = iota + 1
	// InputMouseRelative moves the pointer by X, Y.
	InputMouseRelative
	// InputMouseButton presses or releases Button.
	InputMouseButton
	// InputKey presses or releases Key.
	InputKey
)

// String returns the input kind name.
func (k InputKind) String() string {
	switch k {
	case InputMouseAbsolute:
		return "mouse-absolute"
	case InputMouseRelative:
		return "mouse-relative"
	case InputMouseButton:
		return "mouse-button"
	case InputKey:
		return "key"
	default:
		return "unknown"
	}
}

// InputEvent is a viewer input event forwarded to the host over the
// control channel.
type InputEvent struct {
	Kind    InputKind
	X       int32
	Y       int32
	Button  uint8
	Pressed bool
	Key     uint32
}

// InputHandler injects remote input on the host side.
type InputHandler interface {
	HandleInput(event InputEvent) error
}

// CaptureSource produces RGBA frames in linear light on the given device.
// NextFrame blocks until a frame is available or ctx is done. Ownership of
// the returned lease passes to the caller.
type CaptureSource interface {
	NextFrame(ctx context.Context, device gpu.Device) (*gpu.Lease, error)
}
