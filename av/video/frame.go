package video

import (
	"fmt"
	"time"

	"github.com/opd-ai/deskstream/gpu"
)

// Frame is a captured or decoded image living in device memory.
//
// A Frame has exactly one owner at a time. Handing it to the next stage
// transfers the lease; the receiver must wait on the lease fence before
// reading pixels and must call Release when done.
type Frame struct {
	Lease     *gpu.Lease
	Seq       uint32    // Capture sequence id, strictly increasing per source
	Timestamp time.Time // Capture time
}

// Release returns the frame buffer to its arena.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.Lease.Release()
}

// Planes is a host-side I420 image.
type Planes struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// NewPlanes allocates zeroed planes for a width x height image.
func NewPlanes(width, height int) *Planes {
	cw, ch := width/2, height/2
	return &Planes{
		Width:  width,
		Height: height,
		Y:      make([]byte, width*height),
		U:      make([]byte, cw*ch),
		V:      make([]byte, cw*ch),
	}
}

// PlanesFromBuffer views an I420 buffer as Planes without copying.
func PlanesFromBuffer(buf *gpu.Buffer) (Planes, error) {
	if buf.Format != gpu.FormatI420 {
		return Planes{}, fmt.Errorf("%w: expected i420, got %s", ErrInvalidFrame, buf.Format)
	}
	return Planes{
		Width:  buf.Width,
		Height: buf.Height,
		Y:      buf.Y(),
		U:      buf.U(),
		V:      buf.V(),
	}, nil
}

// Validate checks dimensions and plane sizes.
func (p Planes) Validate() error {
	if p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, p.Width, p.Height)
	}
	cSize := (p.Width / 2) * (p.Height / 2)
	if len(p.Y) != p.Width*p.Height || len(p.U) != cSize || len(p.V) != cSize {
		return fmt.Errorf("%w: plane sizes %d/%d/%d for %dx%d",
			ErrInvalidFrame, len(p.Y), len(p.U), len(p.V), p.Width, p.Height)
	}
	return nil
}

// Desc returns the device buffer description matching the planes.
func (p Planes) Desc() gpu.Desc {
	return gpu.Desc{Format: gpu.FormatI420, Width: p.Width, Height: p.Height}
}

// Bytes returns the planes packed Y, U, V as laid out in a device buffer.
func (p Planes) Bytes() []byte {
	out := make([]byte, 0, len(p.Y)+len(p.U)+len(p.V))
	out = append(out, p.Y...)
	out = append(out, p.U...)
	return append(out, p.V...)
}

// Clone returns a deep copy of the planes.
func (p Planes) Clone() *Planes {
	return &Planes{
		Width:  p.Width,
		Height: p.Height,
		Y:      append([]byte(nil), p.Y...),
		U:      append([]byte(nil), p.U...),
		V:      append([]byte(nil), p.V...),
	}
}

// EncodedUnit is the compressed form of one frame.
type EncodedUnit struct {
	Payload   []byte
	FrameID   uint32
	Keyframe  bool
	Timestamp time.Time // Capture time carried through the codec
}
