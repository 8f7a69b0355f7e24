package gpu

import "fmt"

// Format identifies the pixel layout of a Buffer.
type Format uint8

const (
	// FormatRGBA is 8-bit interleaved R, G, B, A.
	FormatRGBA Format = iota + 1
	// FormatI420 is 8-bit planar Y, U, V with 2x2 chroma subsampling.
	FormatI420
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatI420:
		return "i420"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Desc describes a buffer allocation.
type Desc struct {
	Format Format
	Width  int
	Height int
}

// Validate checks the description. I420 requires even dimensions.
func (d Desc) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidDesc, d.Width, d.Height)
	}
	switch d.Format {
	case FormatRGBA:
		return nil
	case FormatI420:
		if d.Width%2 != 0 || d.Height%2 != 0 {
			return fmt.Errorf("%w: i420 dimensions must be even, got %dx%d", ErrInvalidDesc, d.Width, d.Height)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown format %s", ErrInvalidDesc, d.Format)
	}
}

// Size returns the number of bytes backing a buffer with this description.
func (d Desc) Size() int {
	switch d.Format {
	case FormatRGBA:
		return d.Width * d.Height * 4
	case FormatI420:
		return d.Width*d.Height + 2*(d.Width/2)*(d.Height/2)
	default:
		return 0
	}
}

// String returns a compact description such as "i420 640x480".
func (d Desc) String() string {
	return fmt.Sprintf("%s %dx%d", d.Format, d.Width, d.Height)
}

// Buffer is device memory addressed through an Arena handle.
type Buffer struct {
	Desc
	Pix []byte
}

// Y returns the luminance plane of an I420 buffer.
func (b *Buffer) Y() []byte {
	return b.Pix[:b.Width*b.Height]
}

// U returns the Cb plane of an I420 buffer.
func (b *Buffer) U() []byte {
	ySize := b.Width * b.Height
	cSize := (b.Width / 2) * (b.Height / 2)
	return b.Pix[ySize : ySize+cSize]
}

// V returns the Cr plane of an I420 buffer.
func (b *Buffer) V() []byte {
	ySize := b.Width * b.Height
	cSize := (b.Width / 2) * (b.Height / 2)
	return b.Pix[ySize+cSize : ySize+2*cSize]
}
