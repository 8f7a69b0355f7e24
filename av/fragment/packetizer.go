package fragment

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/limits"
	"github.com/opd-ai/deskstream/transport"
)

// Packetizer splits encoded units into video channel packets.
type Packetizer struct {
	maxPayload int
}

// NewPacketizer creates a packetizer using the largest payload that fits
// in one datagram.
func NewPacketizer() *Packetizer {
	return &Packetizer{maxPayload: limits.MaxPayload}
}

// NewPacketizerWithPayloadSize creates a packetizer with a smaller fragment
// payload, for paths with a reduced MTU.
func NewPacketizerWithPayloadSize(maxPayload int) (*Packetizer, error) {
	if maxPayload <= 0 || maxPayload > limits.MaxPayload {
		return nil, fmt.Errorf("payload size %d outside (0, %d]", maxPayload, limits.MaxPayload)
	}
	return &Packetizer{maxPayload: maxPayload}, nil
}

// MaxPayload returns the fragment payload size.
func (p *Packetizer) MaxPayload() int {
	return p.maxPayload
}

// Packetize splits unit into packets. Payloads alias unit.Payload.
func (p *Packetizer) Packetize(unit *video.EncodedUnit) ([]transport.Packet, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: nil unit", ErrInvalidFragment)
	}
	if err := limits.ValidateEncodedUnit(unit.Payload); err != nil {
		return nil, err
	}

	count := (len(unit.Payload) + p.maxPayload - 1) / p.maxPayload
	if count > limits.MaxFragments {
		return nil, fmt.Errorf("%w: unit of %d bytes needs %d fragments", limits.ErrTooLarge, len(unit.Payload), count)
	}

	var flags uint8
	if unit.Keyframe {
		flags |= transport.FlagKeyframe
	}

	packets := make([]transport.Packet, count)
	for i := 0; i < count; i++ {
		start := i * p.maxPayload
		end := start + p.maxPayload
		if end > len(unit.Payload) {
			end = len(unit.Payload)
		}
		packets[i] = transport.Packet{
			Channel: transport.ChannelVideo,
			FrameID: unit.FrameID,
			Index:   uint16(i),
			Count:   uint16(count),
			Flags:   flags,
			Payload: unit.Payload[start:end],
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Packetizer.Packetize",
		"frame_id":  unit.FrameID,
		"fragments": count,
		"size":      len(unit.Payload),
	}).Debug("Packetized frame")

	return packets, nil
}
