package transport

import (
	"bytes"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/limits"
)

// MessageType identifies a control message.
type MessageType uint8

const (
	// MsgKeyframeRequest asks the host to encode the next frame as a keyframe.
	MsgKeyframeRequest MessageType = iota + 1
	// MsgBitrateNegotiate caps the host bit rate at TargetBitrate.
	MsgBitrateNegotiate
	// MsgInputEvent forwards viewer input to the host.
	MsgInputEvent
	// MsgClose announces an orderly shutdown.
	MsgClose
	// MsgPing probes liveness and RTT; carries a receiver report.
	MsgPing
	// MsgPong answers a ping; carries a receiver report.
	MsgPong
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgKeyframeRequest:
		return "keyframe-request"
	case MsgBitrateNegotiate:
		return "bitrate-negotiate"
	case MsgInputEvent:
		return "input-event"
	case MsgClose:
		return "close"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

// maxCloseReason bounds the reason text of a Close message.
const maxCloseReason = 256

// Message is a decoded control message. Only the fields of its Type are
// meaningful.
type Message struct {
	Type MessageType

	TargetBitrate uint64                // MsgBitrateNegotiate
	Input         interfaces.InputEvent // MsgInputEvent
	Reason        string                // MsgClose
	PingID        uint64                // MsgPing, MsgPong
	Report        ReceiverReport        // MsgPing, MsgPong
}

// KeyframeRequest returns a keyframe request message.
func KeyframeRequest() Message {
	return Message{Type: MsgKeyframeRequest}
}

// BitrateNegotiate returns a bit rate cap message.
func BitrateNegotiate(target uint64) Message {
	return Message{Type: MsgBitrateNegotiate, TargetBitrate: target}
}

// InputMessage wraps an input event.
func InputMessage(ev interfaces.InputEvent) Message {
	return Message{Type: MsgInputEvent, Input: ev}
}

// CloseMessage returns a close announcement.
func CloseMessage(reason string) Message {
	return Message{Type: MsgClose, Reason: reason}
}

// Encode serializes the message with QUIC variable-length integers.
func (m Message) Encode() ([]byte, error) {
	b := quicvarint.Append(make([]byte, 0, 16), uint64(m.Type))

	switch m.Type {
	case MsgKeyframeRequest:
	case MsgBitrateNegotiate:
		if m.TargetBitrate > quicvarint.Max {
			return nil, fmt.Errorf("%w: bit rate %d out of range", ErrMalformedMessage, m.TargetBitrate)
		}
		b = quicvarint.Append(b, m.TargetBitrate)
	case MsgInputEvent:
		b = quicvarint.Append(b, uint64(m.Input.Kind))
		b = quicvarint.Append(b, zigzag(m.Input.X))
		b = quicvarint.Append(b, zigzag(m.Input.Y))
		b = quicvarint.Append(b, uint64(m.Input.Button))
		b = quicvarint.Append(b, boolVarint(m.Input.Pressed))
		b = quicvarint.Append(b, uint64(m.Input.Key))
	case MsgClose:
		if len(m.Reason) > maxCloseReason {
			return nil, fmt.Errorf("%w: close reason of %d bytes", ErrMalformedMessage, len(m.Reason))
		}
		b = quicvarint.Append(b, uint64(len(m.Reason)))
		b = append(b, m.Reason...)
	case MsgPing, MsgPong:
		if m.PingID > quicvarint.Max || m.Report.Highest > quicvarint.Max || m.Report.Received > quicvarint.Max {
			return nil, fmt.Errorf("%w: ping field out of range", ErrMalformedMessage)
		}
		b = quicvarint.Append(b, m.PingID)
		b = quicvarint.Append(b, m.Report.Highest)
		b = quicvarint.Append(b, m.Report.Received)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, m.Type)
	}

	if err := limits.ValidateControlMessage(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeMessage parses a control message. Trailing bytes are rejected.
func DecodeMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var m Message

	t, err := quicvarint.Read(r)
	if err != nil {
		return m, fmt.Errorf("%w: type: %v", ErrMalformedMessage, err)
	}
	m.Type = MessageType(t)

	read := func(field string) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = quicvarint.Read(r)
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrMalformedMessage, field, err)
		}
		return v
	}

	switch m.Type {
	case MsgKeyframeRequest:
	case MsgBitrateNegotiate:
		m.TargetBitrate = read("bit rate")
	case MsgInputEvent:
		kind := read("kind")
		x := read("x")
		y := read("y")
		button := read("button")
		pressed := read("pressed")
		key := read("key")
		if err == nil && (kind > 0xFF || button > 0xFF || pressed > 1 || key > 0xFFFFFFFF) {
			err = fmt.Errorf("%w: input field out of range", ErrMalformedMessage)
		}
		m.Input = interfaces.InputEvent{
			Kind:    interfaces.InputKind(kind),
			X:       unzigzag(x),
			Y:       unzigzag(y),
			Button:  uint8(button),
			Pressed: pressed == 1,
			Key:     uint32(key),
		}
	case MsgClose:
		n := read("reason length")
		if err == nil {
			if n > maxCloseReason || n > uint64(r.Len()) {
				err = fmt.Errorf("%w: reason length %d", ErrMalformedMessage, n)
			} else {
				reason := make([]byte, n)
				_, _ = r.Read(reason)
				m.Reason = string(reason)
			}
		}
	case MsgPing, MsgPong:
		m.PingID = read("ping id")
		m.Report.Highest = read("highest")
		m.Report.Received = read("received")
	default:
		return m, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, t)
	}

	if err != nil {
		return m, err
	}
	if r.Len() != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, r.Len())
	}
	return m, nil
}

func zigzag(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

func unzigzag(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
