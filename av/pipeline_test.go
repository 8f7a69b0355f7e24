package av

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/netsim"
	"github.com/opd-ai/deskstream/transport"
)

const (
	testWidth  = 64
	testHeight = 64
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// recordingPresenter keeps the id and a copy of every presented frame.
type recordingPresenter struct {
	mu     sync.Mutex
	ids    []uint32
	frames map[uint32][]byte
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{frames: make(map[uint32][]byte)}
}

func (p *recordingPresenter) Present(f interfaces.PresentedFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, f.FrameID)
	p.frames[f.FrameID] = append([]byte(nil), f.Buffer.Pix...)
	return nil
}

func (p *recordingPresenter) presented() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.ids...)
}

func (p *recordingPresenter) last() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return 0, false
	}
	return p.ids[len(p.ids)-1], true
}

func (p *recordingPresenter) frame(id uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[id]
}

type recordingInput struct {
	events chan interfaces.InputEvent
}

func (r *recordingInput) HandleInput(ev interfaces.InputEvent) error {
	r.events <- ev
	return nil
}

// testImage returns an RGBA image whose 2x2 blocks share one color, so
// chroma subsampling loses nothing. The pattern shifts with id.
func testImage(id uint32) []byte {
	pix := make([]byte, testWidth*testHeight*4)
	for y := 0; y < testHeight; y++ {
		for x := 0; x < testWidth; x++ {
			bx, by := x/2, y/2
			i := (y*testWidth + x) * 4
			pix[i] = byte(bx*8 + int(id))
			pix[i+1] = byte(by*8 + int(id)*3)
			pix[i+2] = byte((bx + by) * 4)
			pix[i+3] = 255
		}
	}
	return pix
}

type pipelineHarness struct {
	hostSession, viewerSession *transport.Session
	hostConn, viewerConn       *netsim.Conn
	hostDevice, viewerDevice   *gpu.SoftwareDevice
	sender                     *Sender
	receiver                   *Receiver
	presenter                  *recordingPresenter
	input                      *recordingInput
}

func testSenderConfig() SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.Encoder.MinQuantizer = 1
	cfg.Encoder.MaxQuantizer = 1
	cfg.Encoder.InitialQuantizer = 1
	cfg.QueueCapacity = 16
	return cfg
}

func testReceiverConfig() ReceiverConfig {
	cfg := DefaultReceiverConfig()
	cfg.Curve = video.CurveLinear
	cfg.Decoder.KeyframeRequestInterval = 50 * time.Millisecond
	return cfg
}

func testTransportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.HandshakeRetryInterval = 20 * time.Millisecond
	cfg.KeepaliveInterval = 50 * time.Millisecond
	cfg.InitialRTO = 30 * time.Millisecond
	cfg.MinRTO = 10 * time.Millisecond
	cfg.MaxRTO = 200 * time.Millisecond
	cfg.MaxRetransmits = 30
	cfg.RecoverDwell = 200 * time.Millisecond
	return cfg
}

func newPipelineHarness(t *testing.T, seed int64) *pipelineHarness {
	t.Helper()
	network := netsim.NewNetwork(seed)
	h := &pipelineHarness{
		hostConn:     network.Listen(),
		viewerConn:   network.Listen(),
		hostDevice:   gpu.NewSoftwareDevice(gpu.DefaultDeviceConfig()),
		viewerDevice: gpu.NewSoftwareDevice(gpu.DefaultDeviceConfig()),
		presenter:    newRecordingPresenter(),
		input:        &recordingInput{events: make(chan interfaces.InputEvent, 8)},
	}

	var err error
	h.hostSession, err = transport.NewSession(h.hostConn, testTransportConfig())
	require.NoError(t, err)
	h.viewerSession, err = transport.NewSession(h.viewerConn, testTransportConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.hostSession.Connect(gctx, transport.ConnectParams{
			RemoteAddr: h.viewerConn.LocalAddr(),
			Secret:     testSecret,
			Initiator:  true,
			SessionID:  "pipeline",
		})
	})
	g.Go(func() error {
		return h.viewerSession.Connect(gctx, transport.ConnectParams{
			RemoteAddr: h.hostConn.LocalAddr(),
			Secret:     testSecret,
			SessionID:  "pipeline",
		})
	})
	require.NoError(t, g.Wait())

	h.sender, err = NewSender(h.hostSession, h.hostDevice, testSenderConfig(), h.input)
	require.NoError(t, err)
	h.receiver, err = NewReceiver(h.viewerSession, h.viewerDevice, testReceiverConfig(), h.presenter)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.sender.Stop()
		_ = h.receiver.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.hostSession.Close(ctx)
		_ = h.viewerSession.Close(ctx)
		h.hostConn.Close()
		h.viewerConn.Close()
		_ = h.hostDevice.Close()
		_ = h.viewerDevice.Close()
	})
	return h
}

func (h *pipelineHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.receiver.Start(context.Background()))
	require.NoError(t, h.sender.Start(context.Background()))
}

// submit uploads the test image for id and hands it to the sender.
func (h *pipelineHarness) submit(t *testing.T, id uint32) {
	t.Helper()
	lease, err := gpu.Upload(h.hostDevice, gpu.Desc{Format: gpu.FormatRGBA, Width: testWidth, Height: testHeight}, testImage(id))
	require.NoError(t, err)
	require.NoError(t, h.sender.SubmitCapture(lease, time.Now()))
}

// submitUntil keeps feeding frames every 5ms until cond holds.
func (h *pipelineHarness) submitUntil(t *testing.T, next *uint32, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		require.True(t, time.Now().Before(deadline), msg)
		h.submit(t, *next)
		*next++
		time.Sleep(5 * time.Millisecond)
	}
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestPipelineDeliversFramesInOrder(t *testing.T) {
	h := newPipelineHarness(t, 1)
	h.start(t)

	const frames = 100
	for id := uint32(0); id < frames; id++ {
		h.submit(t, id)
		want := int(id) + 1
		require.Eventually(t, func() bool { return len(h.presenter.presented()) >= want },
			2*time.Second, time.Millisecond, "frame %d not presented", id)
	}

	ids := h.presenter.presented()
	require.Len(t, ids, frames)
	for i, id := range ids {
		assert.Equal(t, uint32(i), id)
	}

	for _, id := range []uint32{0, 1, 50, 99} {
		src := testImage(id)
		got := h.presenter.frame(id)
		require.Len(t, got, len(src))
		for i := 0; i < len(src); i += 4 {
			for c := 0; c < 3; c++ {
				require.LessOrEqualf(t, absDiff(src[i+c], got[i+c]), 2,
					"frame %d pixel %d channel %d", id, i/4, c)
			}
		}
	}

	ss := h.sender.Stats()
	rs := h.receiver.Stats()
	assert.Equal(t, uint64(frames), ss.FramesEncoded)
	assert.Equal(t, uint64(frames), rs.FramesDecoded)
	assert.Equal(t, uint64(frames), rs.FramesPresented)
	assert.Zero(t, rs.DecodeErrors)
	assert.Zero(t, rs.KeyframesAsked)
	assert.Positive(t, ss.KeyframesSent)
	assert.Equal(t, ss.PacketsSent, rs.PacketsReceived)
}

func TestPipelineRecoversFromVideoLoss(t *testing.T) {
	h := newPipelineHarness(t, 7)
	h.start(t)

	var id uint32
	h.submitUntil(t, &id, 2*time.Second, func() bool { return len(h.presenter.presented()) >= 5 },
		"no frames before loss")
	keyframes := h.receiver.Stats().KeyframesDecoded
	require.Positive(t, keyframes)

	h.hostConn.SetConditions(netsim.Conditions{
		Loss: 0.2,
		Match: func(b []byte) bool {
			ch, ok := transport.DatagramChannel(b)
			return ok && ch == transport.ChannelVideo
		},
	})
	h.submitUntil(t, &id, 5*time.Second, func() bool { return h.sender.Stats().KeyframeRequests > 0 },
		"no keyframe request under loss")
	assert.Positive(t, h.receiver.Stats().KeyframesAsked)

	h.hostConn.SetConditions(netsim.Conditions{})
	cleared := id

	h.submitUntil(t, &id, 5*time.Second, func() bool {
		last, ok := h.presenter.last()
		return ok && last >= cleared+10
	}, "viewer did not recover after loss stopped")

	assert.NoError(t, h.viewerSession.Err())
	rs := h.receiver.Stats()
	assert.Positive(t, rs.FramesSkipped+rs.FramesExpired+rs.DecodeErrors)
	assert.Greater(t, rs.KeyframesDecoded, keyframes, "recovery goes through a keyframe")

	ids := h.presenter.presented()
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "presentation order")
	}

	const maxRecoveryFrames = 60
	for _, presented := range ids {
		if presented >= cleared {
			assert.LessOrEqual(t, presented, cleared+maxRecoveryFrames,
				"first frame after loss stopped came too late")
			break
		}
	}
}

func TestPipelineForcesKeyframeAfterRecovery(t *testing.T) {
	h := newPipelineHarness(t, 11)
	// Only the host runs, so no corruption report can advance the epoch.
	require.NoError(t, h.sender.Start(context.Background()))

	var id uint32
	h.submitUntil(t, &id, 2*time.Second, func() bool { return h.sender.Stats().FramesEncoded >= 5 },
		"no frames encoded")
	epoch := h.sender.Tunables().KeyframeEpoch

	h.hostConn.SetConditions(netsim.Conditions{Loss: 0.5})
	h.submitUntil(t, &id, 3*time.Second, func() bool { return h.hostSession.State() == transport.StateDegraded },
		"session did not degrade")
	assert.Equal(t, epoch, h.sender.Tunables().KeyframeEpoch, "degrading alone forces nothing")

	keyframes := h.sender.Stats().KeyframesSent

	h.hostConn.SetConditions(netsim.Conditions{})
	h.submitUntil(t, &id, 5*time.Second, func() bool { return h.hostSession.State() == transport.StateEstablished },
		"session did not recover")

	h.submitUntil(t, &id, 2*time.Second, func() bool { return h.sender.Tunables().KeyframeEpoch > epoch },
		"recovery did not request a keyframe")
	h.submitUntil(t, &id, 2*time.Second, func() bool { return h.sender.Stats().KeyframesSent > keyframes },
		"no keyframe sent after recovery")
	assert.Zero(t, h.sender.Stats().KeyframeRequests)
}

func TestPipelineReportsResourceFailure(t *testing.T) {
	h := newPipelineHarness(t, 3)
	h.start(t)

	h.submit(t, 0)
	require.Eventually(t, func() bool { return len(h.presenter.presented()) == 1 }, 2*time.Second, time.Millisecond)

	h.viewerDevice.Lose()
	for id := uint32(1); id < 4; id++ {
		h.submit(t, id)
	}

	select {
	case err := <-h.receiver.Resets():
		assert.ErrorIs(t, err, ErrResourceFailure)
		assert.NotErrorIs(t, err, ErrSessionFailure)
	case <-time.After(3 * time.Second):
		t.Fatal("receiver did not report the lost device")
	}
	assert.ErrorIs(t, h.receiver.Wait(), ErrResourceFailure)

	// The session survives a pipeline reset.
	assert.Equal(t, transport.StateEstablished, h.viewerSession.State())
}

func TestPipelineCaptureSourceDeviceLost(t *testing.T) {
	h := newPipelineHarness(t, 4)
	src := &pacedSource{interval: 5 * time.Millisecond}
	h.sender.SetCaptureSource(src)
	h.start(t)

	require.Eventually(t, func() bool { return len(h.presenter.presented()) > 0 }, 2*time.Second, time.Millisecond)
	h.hostDevice.Lose()

	select {
	case err := <-h.sender.Resets():
		assert.ErrorIs(t, err, ErrResourceFailure)
	case <-time.After(3 * time.Second):
		t.Fatal("sender did not report the lost device")
	}
}

func TestPipelineForwardsControl(t *testing.T) {
	h := newPipelineHarness(t, 5)
	h.start(t)

	ev := interfaces.InputEvent{Kind: interfaces.InputKey, Key: 42, Pressed: true}
	require.NoError(t, h.receiver.SendInput(ev))
	select {
	case got := <-h.input.events:
		assert.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("input event not delivered")
	}

	require.NoError(t, h.receiver.NegotiateBitrate(1_000_000))
	require.Eventually(t, func() bool {
		return h.sender.Tunables().TargetBitrate == 1_000_000
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipelineStopsWithSession(t *testing.T) {
	h := newPipelineHarness(t, 6)
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.hostSession.Close(ctx))

	assert.NoError(t, h.sender.Wait())
	assert.NoError(t, h.receiver.Wait())

	_, open := <-h.sender.Resets()
	assert.False(t, open, "orderly close is not a reset")
}

func TestPipelineLifecycle(t *testing.T) {
	h := newPipelineHarness(t, 8)
	h.start(t)

	assert.ErrorIs(t, h.sender.Start(context.Background()), ErrPipelineRunning)
	require.NoError(t, h.sender.Stop())
	assert.ErrorIs(t, h.sender.Start(context.Background()), ErrPipelineStopped)
	assert.NoError(t, h.sender.Stop())
}

// pacedSource uploads a fresh test image every interval.
type pacedSource struct {
	interval time.Duration
	next     uint32
}

func (s *pacedSource) NextFrame(ctx context.Context, device gpu.Device) (*gpu.Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	id := s.next
	s.next++
	return gpu.Upload(device, gpu.Desc{Format: gpu.FormatRGBA, Width: testWidth, Height: testHeight}, testImage(id))
}

func TestRebuiltSenderContinuesFrameIDs(t *testing.T) {
	h := newPipelineHarness(t, 12)
	h.start(t)

	present := func(id uint32) {
		t.Helper()
		h.submit(t, id)
		want := int(id) + 1
		require.Eventually(t, func() bool { return len(h.presenter.presented()) >= want },
			2*time.Second, time.Millisecond, "frame %d not presented", id)
	}
	for id := uint32(0); id < 3; id++ {
		present(id)
	}
	require.NoError(t, h.sender.Stop())

	cfg := testSenderConfig()
	cfg.FirstFrameID = h.sender.NextFrameID()
	assert.Equal(t, uint32(3), cfg.FirstFrameID)

	next, err := NewSender(h.hostSession, h.hostDevice, cfg, h.input)
	require.NoError(t, err)
	h.sender = next
	require.NoError(t, next.Start(context.Background()))

	for id := uint32(3); id < 6; id++ {
		present(id)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, h.presenter.presented())
	assert.Equal(t, uint32(6), next.NextFrameID())
}

func TestPipelineStatsPlus(t *testing.T) {
	prev := PipelineStats{
		FramesEncoded:    10,
		FramesPresented:  7,
		KeyframesDecoded: 2,
		QueueLen:         3,
		TargetBitrate:    1_000_000,
	}
	cur := PipelineStats{
		FramesEncoded:    5,
		FramesPresented:  1,
		KeyframesDecoded: 1,
		QueueLen:         1,
		TargetBitrate:    2_000_000,
	}

	got := cur.Plus(prev)
	assert.Equal(t, uint64(15), got.FramesEncoded)
	assert.Equal(t, uint64(8), got.FramesPresented)
	assert.Equal(t, uint64(3), got.KeyframesDecoded)
	assert.Equal(t, 1, got.QueueLen, "gauges keep the current value")
	assert.Equal(t, uint32(2_000_000), got.TargetBitrate)
}
