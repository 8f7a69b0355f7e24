package fragment

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/deskstream/transport"
)

func single(id uint32) *transport.Packet {
	return &transport.Packet{Channel: transport.ChannelVideo, FrameID: id, Index: 0, Count: 1, Payload: []byte{byte(id)}}
}

func newJitter(t *testing.T) *JitterBuffer {
	t.Helper()
	j, err := NewJitterBuffer(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(j.Close)
	return j
}

func drain(j *JitterBuffer, now time.Time) []uint32 {
	var ids []uint32
	for {
		u := j.Pop(now)
		if u == nil {
			return ids
		}
		ids = append(ids, u.FrameID)
	}
}

func TestJitterBufferYieldsInOrder(t *testing.T) {
	j := newJitter(t)
	rng := rand.New(rand.NewSource(9))
	p := smallPacketizer(t)

	var stream []transport.Packet
	for id := uint32(0); id < 20; id++ {
		pkts, err := p.Packetize(randomUnit(rng, id, 50+rng.Intn(400)))
		require.NoError(t, err)
		stream = append(stream, pkts...)
	}
	// Local reordering: swap neighbours.
	for i := 0; i+1 < len(stream); i += 3 {
		stream[i], stream[i+1] = stream[i+1], stream[i]
	}

	var got []uint32
	for i := range stream {
		require.NoError(t, j.PushAt(&stream[i], epoch))
	}
	got = append(got, drain(j, epoch.Add(DefaultConfig().ReorderWindow))...)

	want := make([]uint32, 20)
	for i := range want {
		want[i] = uint32(i)
	}
	assert.Equal(t, want, got)
}

func TestJitterBufferWaitsThenSkipsGap(t *testing.T) {
	cfg := DefaultConfig()
	j := newJitter(t)

	require.NoError(t, j.PushAt(single(0), epoch))
	assert.Equal(t, []uint32{0}, drain(j, epoch))

	require.NoError(t, j.PushAt(single(2), epoch))
	assert.Empty(t, drain(j, epoch.Add(cfg.ReorderWindow/2)), "waits for frame 1")

	assert.Equal(t, []uint32{2}, drain(j, epoch.Add(cfg.ReorderWindow)))
	assert.Equal(t, uint64(1), j.Stats().Skipped)

	require.NoError(t, j.PushAt(single(1), epoch.Add(cfg.ReorderWindow)))
	assert.Empty(t, drain(j, epoch.Add(cfg.Latency/2)))
	assert.Equal(t, uint64(1), j.Stats().Late)
}

func TestJitterBufferFillsGapWithinWindow(t *testing.T) {
	j := newJitter(t)

	require.NoError(t, j.PushAt(single(10), epoch))
	assert.Equal(t, []uint32{10}, drain(j, epoch))

	require.NoError(t, j.PushAt(single(12), epoch))
	require.NoError(t, j.PushAt(single(11), epoch.Add(time.Millisecond)))
	assert.Equal(t, []uint32{11, 12}, drain(j, epoch.Add(time.Millisecond)))
	assert.Zero(t, j.Stats().Skipped)
}

func TestJitterBufferNeverYieldsPastDeadline(t *testing.T) {
	cfg := DefaultConfig()
	j := newJitter(t)

	require.NoError(t, j.PushAt(single(0), epoch))
	assert.Empty(t, drain(j, epoch.Add(cfg.Latency+time.Millisecond)))
	assert.Equal(t, uint64(1), j.Stats().Expired)
}

func TestJitterBufferWrapAround(t *testing.T) {
	j := newJitter(t)
	ids := []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0, 1}

	for _, id := range ids {
		require.NoError(t, j.PushAt(single(id), epoch))
	}
	assert.Equal(t, ids, drain(j, epoch))
}

func TestJitterBufferNextAndClose(t *testing.T) {
	j := newJitter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = j.Push(single(7))
	}()
	unit, err := j.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), unit.FrameID)

	errCh := make(chan error, 1)
	go func() {
		_, err := j.Next(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	j.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next was not released by Close")
	}
	assert.ErrorIs(t, j.Push(single(8)), ErrClosed)
}

func TestJitterBufferNextHonoursContext(t *testing.T) {
	j := newJitter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := j.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
