package video

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Codec identification.
const (
	CodecName    = "dsv1"
	codecVersion = 1
)

var codecMagic = [4]byte{'D', 'S', 'V', '1'}

const (
	flagKeyframe = 1 << 0

	// HeaderSize is the encoded unit header length in bytes.
	HeaderSize = 4 + 1 + 1 + 2 + 2 + 1 + 4 + 4 + 8
)

// unitHeader precedes the compressed plane data of every encoded unit.
//
// Layout (little-endian):
//
//	magic[4] version[1] flags[1] width[2] height[2] quantizer[1]
//	frame_id[4] ref_id[4] timestamp_ns[8]
type unitHeader struct {
	Keyframe  bool
	Width     int
	Height    int
	Quantizer int
	FrameID   uint32
	RefID     uint32
	Timestamp time.Time
}

func (h unitHeader) marshal(dst []byte) []byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], codecMagic[:])
	buf[4] = codecVersion
	if h.Keyframe {
		buf[5] |= flagKeyframe
	}
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Width))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Height))
	buf[10] = byte(h.Quantizer)
	binary.LittleEndian.PutUint32(buf[11:15], h.FrameID)
	binary.LittleEndian.PutUint32(buf[15:19], h.RefID)
	var ns int64
	if !h.Timestamp.IsZero() {
		ns = h.Timestamp.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf[19:27], uint64(ns))
	return append(dst, buf[:]...)
}

func parseUnitHeader(data []byte) (unitHeader, []byte, error) {
	if len(data) < HeaderSize {
		return unitHeader{}, nil, fmt.Errorf("%w: unit too short (%d bytes)", ErrNeedKeyframe, len(data))
	}
	if [4]byte(data[0:4]) != codecMagic {
		return unitHeader{}, nil, fmt.Errorf("%w: bad magic", ErrNeedKeyframe)
	}
	if data[4] != codecVersion {
		return unitHeader{}, nil, fmt.Errorf("%w: unsupported version %d", ErrNeedKeyframe, data[4])
	}

	h := unitHeader{
		Keyframe:  data[5]&flagKeyframe != 0,
		Width:     int(binary.LittleEndian.Uint16(data[6:8])),
		Height:    int(binary.LittleEndian.Uint16(data[8:10])),
		Quantizer: int(data[10]),
		FrameID:   binary.LittleEndian.Uint32(data[11:15]),
		RefID:     binary.LittleEndian.Uint32(data[15:19]),
	}
	if ns := int64(binary.LittleEndian.Uint64(data[19:27])); ns != 0 {
		h.Timestamp = time.Unix(0, ns)
	}

	if h.Width == 0 || h.Height == 0 || h.Width%2 != 0 || h.Height%2 != 0 {
		return unitHeader{}, nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrNeedKeyframe, h.Width, h.Height)
	}
	if h.Quantizer < 1 {
		return unitHeader{}, nil, fmt.Errorf("%w: bad quantizer %d", ErrNeedKeyframe, h.Quantizer)
	}
	return h, data[HeaderSize:], nil
}

// planeSize returns the number of samples in a width x height I420 image.
func planeSize(width, height int) int {
	return width*height + 2*(width/2)*(height/2)
}

// quantizeIntra maps a sample to its quantizer index.
func quantizeIntra(v byte, q int) byte {
	return byte((int(v) + q/2) / q)
}

// reconstructIntra maps a quantizer index back to a sample.
func reconstructIntra(idx byte, q int) byte {
	return clampSample(int(idx) * q)
}

// quantizeResidual codes the difference between a sample and its reference.
// A quantizer of 1 codes the difference modulo 256, which is lossless.
func quantizeResidual(v, ref byte, q int) byte {
	d := int(v) - int(ref)
	if q == 1 {
		return byte(d)
	}
	var qd int
	if d >= 0 {
		qd = (d + q/2) / q
	} else {
		qd = -((-d + q/2) / q)
	}
	if qd > 127 {
		qd = 127
	}
	if qd < -128 {
		qd = -128
	}
	return byte(int8(qd))
}

// reconstructResidual applies a coded residual to its reference sample.
func reconstructResidual(code, ref byte, q int) byte {
	if q == 1 {
		return ref + code
	}
	return clampSample(int(ref) + int(int8(code))*q)
}

func clampSample(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// PeekTimestamp returns the capture timestamp carried in an encoded unit
// without decoding it. It returns the zero time for malformed units.
func PeekTimestamp(payload []byte) time.Time {
	if len(payload) < HeaderSize || [4]byte(payload[0:4]) != codecMagic {
		return time.Time{}
	}
	ns := int64(binary.LittleEndian.Uint64(payload[19:27]))
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
