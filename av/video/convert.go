package video

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/gpu"
)

// Direction selects the conversion performed by a Converter.
type Direction uint8

const (
	// Forward converts linear RGBA8 to limited-range BT.709 I420.
	Forward Direction = iota
	// Backward converts limited-range BT.709 I420 to RGBA8.
	Backward
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "unknown"
	}
}

// BT.709 luma coefficients.
const (
	kr = 0.2126
	kb = 0.0722
	kg = 1 - kr - kb
)

// Limited-range quantization: luma spans 16..235, chroma 16..240 around 128.
const (
	lumaOffset   = 16.0 / 255
	chromaOffset = 128.0 / 255
	lumaScale    = 219.0 / 255
	chromaScale  = 224.0 / 255
)

// Converter translates frames between RGBA and I420 on a GPU device.
//
// Conversions are asynchronous: Convert queues a device command and returns
// the destination lease at once. The command waits for the source fence on
// the device timeline, converts, and releases the source.
type Converter struct {
	device gpu.Device
	curve  Curve

	conversions atomic.Uint64
	lastNanos   atomic.Int64
}

// NewConverter creates a converter bound to device. curve is applied by
// backward conversions.
func NewConverter(device gpu.Device, curve Curve) *Converter {
	logrus.WithFields(logrus.Fields{
		"function": "NewConverter",
		"curve":    curve.String(),
	}).Info("Creating color space converter")

	return &Converter{device: device, curve: curve}
}

// Convert consumes src and returns a lease on the converted image. The
// source is released whether or not the conversion succeeds.
func (c *Converter) Convert(src *gpu.Lease, dir Direction) (*gpu.Lease, error) {
	srcBuf, err := src.Buffer()
	if err != nil {
		src.Release()
		return nil, err
	}
	srcDesc := srcBuf.Desc

	dstDesc, err := c.destination(srcDesc, dir)
	if err != nil {
		src.Release()
		return nil, err
	}

	arena := c.device.Arena()
	dstHandle, err := arena.Allocate(dstDesc)
	if err != nil {
		src.Release()
		return nil, fmt.Errorf("allocate %s: %w", dstDesc, err)
	}

	curve := c.curve
	fence, err := c.device.Submit(func() error {
		defer src.Release()

		<-src.Fence().Done()
		if err := src.Fence().Err(); err != nil {
			return fmt.Errorf("source not ready: %w", err)
		}

		start := time.Now()
		in, err := arena.Get(src.Handle())
		if err != nil {
			return err
		}
		out, err := arena.Get(dstHandle)
		if err != nil {
			return err
		}

		switch dir {
		case Forward:
			RGBAToI420(in.Pix, in.Width, in.Height, out.Y(), out.U(), out.V())
		case Backward:
			I420ToRGBA(in.Y(), in.U(), in.V(), in.Width, in.Height, out.Pix, curve)
		}

		c.conversions.Add(1)
		c.lastNanos.Store(int64(time.Since(start)))
		return nil
	})
	if err != nil {
		_ = arena.Free(dstHandle)
		src.Release()

		logrus.WithFields(logrus.Fields{
			"function":  "Converter.Convert",
			"direction": dir.String(),
			"desc":      srcDesc.String(),
			"error":     err.Error(),
		}).Error("Failed to submit conversion")
		return nil, fmt.Errorf("submit %s conversion: %w", dir, err)
	}

	return gpu.NewLease(arena, dstHandle, fence), nil
}

// Conversions returns the number of completed conversions.
func (c *Converter) Conversions() uint64 {
	return c.conversions.Load()
}

// LastDuration returns the device time spent on the most recent conversion.
func (c *Converter) LastDuration() time.Duration {
	return time.Duration(c.lastNanos.Load())
}

func (c *Converter) destination(src gpu.Desc, dir Direction) (gpu.Desc, error) {
	if src.Width%2 != 0 || src.Height%2 != 0 {
		return gpu.Desc{}, fmt.Errorf("%w: dimensions must be even, got %dx%d",
			ErrInvalidFrame, src.Width, src.Height)
	}

	switch dir {
	case Forward:
		if src.Format != gpu.FormatRGBA {
			return gpu.Desc{}, fmt.Errorf("%w: %s to %s", ErrWrongDirection, src.Format, dir)
		}
		return gpu.Desc{Format: gpu.FormatI420, Width: src.Width, Height: src.Height}, nil
	case Backward:
		if src.Format != gpu.FormatI420 {
			return gpu.Desc{}, fmt.Errorf("%w: %s to %s", ErrWrongDirection, src.Format, dir)
		}
		return gpu.Desc{Format: gpu.FormatRGBA, Width: src.Width, Height: src.Height}, nil
	default:
		return gpu.Desc{}, fmt.Errorf("%w: %s", ErrWrongDirection, dir)
	}
}

// RGBAToI420 converts linear RGBA8 pixels into limited-range BT.709 planes.
// Chroma is averaged over each 2x2 block. Width and height must be even.
func RGBAToI420(rgba []byte, width, height int, y, u, v []byte) {
	cw := width / 2
	for by := 0; by < height; by += 2 {
		for bx := 0; bx < width; bx += 2 {
			var cbSum, crSum float64
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					px := (by+dy)*width + bx + dx
					r := float64(rgba[px*4]) / 255
					g := float64(rgba[px*4+1]) / 255
					b := float64(rgba[px*4+2]) / 255

					luma := kr*r + kg*g + kb*b
					cbSum += (b - luma) / (2 * (1 - kb))
					crSum += (r - luma) / (2 * (1 - kr))
					y[px] = quantize(lumaOffset + lumaScale*luma)
				}
			}
			ci := (by/2)*cw + bx/2
			u[ci] = quantize(chromaOffset + chromaScale*cbSum/4)
			v[ci] = quantize(chromaOffset + chromaScale*crSum/4)
		}
	}
}

// I420ToRGBA converts limited-range BT.709 planes to RGBA8, applying curve
// to each channel. Alpha is opaque.
func I420ToRGBA(y, u, v []byte, width, height int, rgba []byte, curve Curve) {
	cw := width / 2
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			px := row*width + col
			ci := (row/2)*cw + col/2

			luma := (float64(y[px])/255 - lumaOffset) / lumaScale
			cb := (float64(u[ci])/255 - chromaOffset) / chromaScale
			cr := (float64(v[ci])/255 - chromaOffset) / chromaScale

			r := luma + 2*(1-kr)*cr
			b := luma + 2*(1-kb)*cb
			g := (luma - kr*r - kb*b) / kg

			rgba[px*4] = quantize(curve.Apply(saturate(r)))
			rgba[px*4+1] = quantize(curve.Apply(saturate(g)))
			rgba[px*4+2] = quantize(curve.Apply(saturate(b)))
			rgba[px*4+3] = 255
		}
	}
}
