package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/deskstream/limits"
)

// Channel identifies a logical stream multiplexed over one session.
type Channel uint8

const (
	// ChannelVideo carries encoded video fragments. Unreliable, unordered.
	ChannelVideo Channel = 0
	// ChannelControl carries control messages. Reliable, ordered.
	ChannelControl Channel = 1
	// ChannelSession carries internal session traffic: pings, pongs, acks.
	ChannelSession Channel = 2
)

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelVideo:
		return "video"
	case ChannelControl:
		return "control"
	case ChannelSession:
		return "session"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

func (c Channel) valid() bool {
	return c <= ChannelSession
}

// Packet header flags.
const (
	FlagKeyframe uint8 = 1 << 0
	FlagAck      uint8 = 1 << 1
)

// Packet is the plaintext unit carried inside one sealed datagram.
//
// Header layout (12 bytes, little-endian):
//
//	channel_id[1] frame_id[4] fragment_index[2] fragment_count[2] flags[1] payload_len[2]
//
// On the Control channel frame_id is the message sequence number; on the
// Session channel with FlagAck set it is the acknowledged sequence.
type Packet struct {
	Channel Channel
	FrameID uint32
	Index   uint16
	Count   uint16
	Flags   uint8
	Payload []byte
}

// Keyframe reports whether the keyframe flag is set.
func (p *Packet) Keyframe() bool {
	return p.Flags&FlagKeyframe != 0
}

// Serialize encodes the header followed by the payload.
func (p *Packet) Serialize() ([]byte, error) {
	return p.AppendTo(make([]byte, 0, limits.HeaderSize+len(p.Payload)))
}

// AppendTo appends the encoded packet to dst.
func (p *Packet) AppendTo(dst []byte) ([]byte, error) {
	if !p.Channel.valid() {
		return nil, fmt.Errorf("%w: unknown channel %d", ErrMalformedPacket, p.Channel)
	}
	if err := limits.ValidatePayload(p.Payload); err != nil {
		return nil, err
	}
	if p.Channel == ChannelVideo && (p.Count == 0 || p.Index >= p.Count) {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformedPacket, p.Index, p.Count)
	}

	var hdr [limits.HeaderSize]byte
	hdr[0] = byte(p.Channel)
	binary.LittleEndian.PutUint32(hdr[1:5], p.FrameID)
	binary.LittleEndian.PutUint16(hdr[5:7], p.Index)
	binary.LittleEndian.PutUint16(hdr[7:9], p.Count)
	hdr[9] = p.Flags
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(len(p.Payload)))

	dst = append(dst, hdr[:]...)
	return append(dst, p.Payload...), nil
}

// ParsePacket decodes a plaintext packet. The payload aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < limits.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	p := &Packet{
		Channel: Channel(data[0]),
		FrameID: binary.LittleEndian.Uint32(data[1:5]),
		Index:   binary.LittleEndian.Uint16(data[5:7]),
		Count:   binary.LittleEndian.Uint16(data[7:9]),
		Flags:   data[9],
	}
	n := int(binary.LittleEndian.Uint16(data[10:12]))

	if !p.Channel.valid() {
		return nil, fmt.Errorf("%w: unknown channel %d", ErrMalformedPacket, data[0])
	}
	if n != len(data)-limits.HeaderSize {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrMalformedPacket, n, len(data)-limits.HeaderSize)
	}
	if p.Channel == ChannelVideo && (p.Count == 0 || p.Index >= p.Count) {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformedPacket, p.Index, p.Count)
	}
	p.Payload = data[limits.HeaderSize:]
	return p, nil
}

// datagramKind is the first byte of every datagram on the wire.
type datagramKind uint8

const (
	kindHandshake datagramKind = 1
	kindSealed    datagramKind = 2
)

// DatagramChannel reports the channel of a sealed datagram from its
// cleartext prefix. The prefix is authenticated but not encrypted, so
// network tooling can classify traffic without keys.
func DatagramChannel(b []byte) (Channel, bool) {
	if len(b) < limits.DatagramPrefix || datagramKind(b[0]) != kindSealed {
		return 0, false
	}
	ch := Channel(b[1])
	return ch, ch.valid()
}
