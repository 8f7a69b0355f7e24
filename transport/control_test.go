package transport

import (
	"math"
	"strings"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/deskstream/interfaces"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"keyframe request", KeyframeRequest()},
		{"bitrate", BitrateNegotiate(2_500_000)},
		{"mouse", InputMessage(interfaces.InputEvent{Kind: interfaces.InputMouseAbsolute, X: 1919, Y: 1079})},
		{"relative negative", InputMessage(interfaces.InputEvent{Kind: interfaces.InputMouseRelative, X: -12, Y: math.MinInt32})},
		{"button", InputMessage(interfaces.InputEvent{Kind: interfaces.InputMouseButton, Button: 3, Pressed: true})},
		{"key", InputMessage(interfaces.InputEvent{Kind: interfaces.InputKey, Key: 0xFFFFFFFF, Pressed: true})},
		{"close", CloseMessage("viewer left")},
		{"close empty", CloseMessage("")},
		{"ping", Message{Type: MsgPing, PingID: 9, Report: ReceiverReport{Highest: 100, Received: 97}}},
		{"pong", Message{Type: MsgPong, PingID: 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)

			got, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestMessageEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown type", Message{Type: 99}},
		{"bitrate too large", BitrateNegotiate(quicvarint.Max + 1)},
		{"long reason", CloseMessage(strings.Repeat("x", maxCloseReason+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.msg.Encode()
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeMessageRejects(t *testing.T) {
	valid, err := BitrateNegotiate(1000).Encode()
	require.NoError(t, err)
	closeMsg, err := CloseMessage("bye").Encode()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", quicvarint.Append(nil, 77)},
		{"truncated", valid[:1]},
		{"trailing", append(append([]byte(nil), valid...), 0)},
		{"truncated reason", closeMsg[:len(closeMsg)-1]},
		{"pressed out of range", func() []byte {
			b := quicvarint.Append(nil, uint64(MsgInputEvent))
			for _, v := range []uint64{0, 0, 0, 0, 2, 0} {
				b = quicvarint.Append(b, v)
			}
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestZigzag(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 63, -64, math.MaxInt32, math.MinInt32} {
		assert.Equal(t, v, unzigzag(zigzag(v)), "value %d", v)
	}
	assert.Equal(t, uint64(1), zigzag(-1))
	assert.Equal(t, uint64(2), zigzag(1))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "keyframe-request", MsgKeyframeRequest.String())
	assert.Equal(t, "message(42)", MessageType(42).String())
}
