package deskstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/deskstream/av"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/metrics"
	"github.com/opd-ai/deskstream/netsim"
	"github.com/opd-ai/deskstream/transport"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type countingPresenter struct {
	mu  sync.Mutex
	ids []uint32
}

func (p *countingPresenter) Present(f interfaces.PresentedFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, f.FrameID)
	return nil
}

func (p *countingPresenter) presented() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.ids...)
}

func (p *countingPresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// tickingSource uploads a flat gray frame every interval.
type tickingSource struct {
	interval time.Duration
}

func (s tickingSource) NextFrame(ctx context.Context, device gpu.Device) (*gpu.Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	desc := gpu.Desc{Format: gpu.FormatRGBA, Width: 32, Height: 32}
	pix := make([]byte, desc.Size())
	for i := range pix {
		pix[i] = 128
	}
	return gpu.Upload(device, desc, pix)
}

// countingFactory records the software devices it creates.
type countingFactory struct {
	mu      sync.Mutex
	devices []*gpu.SoftwareDevice
}

func (f *countingFactory) create() (gpu.Device, error) {
	d := gpu.NewSoftwareDevice(gpu.DefaultDeviceConfig())
	f.mu.Lock()
	f.devices = append(f.devices, d)
	f.mu.Unlock()
	return d, nil
}

func (f *countingFactory) latest() *gpu.SoftwareDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[len(f.devices)-1]
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func testOptions() *Options {
	opts := NewOptions()
	opts.Transport.HandshakeRetryInterval = 20 * time.Millisecond
	opts.Transport.KeepaliveInterval = 50 * time.Millisecond
	opts.Transport.KeepaliveTimeout = 500 * time.Millisecond
	opts.Transport.InitialRTO = 30 * time.Millisecond
	opts.Transport.MinRTO = 10 * time.Millisecond
	opts.Transport.MaxRTO = 200 * time.Millisecond
	opts.Transport.DrainTimeout = 500 * time.Millisecond
	return opts
}

type peers struct {
	host                 *Host
	viewer               *Viewer
	hostConn, viewerConn *netsim.Conn
	presenter            *countingPresenter
	hostDevices          *countingFactory
	viewerDevices        *countingFactory
	input                chan interfaces.InputEvent
}

type inputFunc func(interfaces.InputEvent) error

func (f inputFunc) HandleInput(ev interfaces.InputEvent) error { return f(ev) }

func newPeers(t *testing.T, hostOpts, viewerOpts *Options) *peers {
	t.Helper()
	network := netsim.NewNetwork(1)
	p := &peers{
		hostConn:      network.Listen(),
		viewerConn:    network.Listen(),
		presenter:     &countingPresenter{},
		hostDevices:   &countingFactory{},
		viewerDevices: &countingFactory{},
		input:         make(chan interfaces.InputEvent, 4),
	}
	hostOpts.DeviceFactory = p.hostDevices.create
	viewerOpts.DeviceFactory = p.viewerDevices.create

	var err error
	p.host, err = NewHost(p.hostConn, hostOpts, tickingSource{interval: 5 * time.Millisecond},
		inputFunc(func(ev interfaces.InputEvent) error {
			p.input <- ev
			return nil
		}))
	require.NoError(t, err)
	p.viewer, err = NewViewer(p.viewerConn, viewerOpts, p.presenter)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.host.Close(ctx)
		_ = p.viewer.Close(ctx)
		p.hostConn.Close()
		p.viewerConn.Close()
	})
	return p
}

func (p *peers) connectAndStart(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.host.Connect(gctx, transport.ConnectParams{
			RemoteAddr: p.viewerConn.LocalAddr(),
			Secret:     testSecret,
			Initiator:  true,
			SessionID:  "facade",
		})
	})
	g.Go(func() error {
		return p.viewer.Connect(gctx, transport.ConnectParams{
			RemoteAddr: p.hostConn.LocalAddr(),
			Secret:     testSecret,
			SessionID:  "facade",
		})
	})
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return p.viewer.Session().State() == transport.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.viewer.Start())
	require.NoError(t, p.host.Start())
}

func TestHostViewerStream(t *testing.T) {
	p := newPeers(t, testOptions(), testOptions())
	p.connectAndStart(t)

	require.Eventually(t, func() bool { return p.presenter.count() >= 20 }, 5*time.Second, 5*time.Millisecond)

	ev := interfaces.InputEvent{Kind: interfaces.InputMouseAbsolute, X: 10, Y: 20}
	require.NoError(t, p.viewer.SendInput(ev))
	select {
	case got := <-p.input:
		assert.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("input not delivered")
	}

	require.NoError(t, p.viewer.NegotiateBitrate(500_000))
	require.Eventually(t, func() bool {
		tun, err := p.host.Tunables()
		return err == nil && tun.TargetBitrate == 500_000
	}, 2*time.Second, 5*time.Millisecond)

	hs := p.host.Stats()
	assert.Positive(t, hs.Pipeline.FramesEncoded)
	assert.Positive(t, hs.Session.VideoSent)
	assert.Zero(t, hs.Resets)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.host.Close(ctx))
	assert.NoError(t, p.host.Wait())
	assert.NoError(t, p.viewer.Wait(), "peer close is orderly for the viewer")
}

func TestViewerRebuildsAfterDeviceLoss(t *testing.T) {
	reg := metrics.New()
	viewerOpts := testOptions()
	viewerOpts.Metrics = reg
	p := newPeers(t, testOptions(), viewerOpts)
	p.connectAndStart(t)

	require.Eventually(t, func() bool { return p.presenter.count() > 0 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, p.viewerDevices.count())

	p.viewerDevices.latest().Lose()

	require.Eventually(t, func() bool { return p.viewer.Stats().Resets == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, p.viewerDevices.count())

	before := p.presenter.count()
	require.Eventually(t, func() bool { return p.presenter.count() > before+5 }, 5*time.Second, 5*time.Millisecond,
		"rebuilt pipeline presents frames")
	assert.Equal(t, transport.StateEstablished, p.viewer.Session().State(), "session survives the reset")
}

// counterValue reads a counter with the given role label from reg.
func counterValue(t *testing.T, reg *metrics.Metrics, name, role string) float64 {
	t.Helper()
	families, err := reg.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "role" && l.GetValue() == role {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("counter %s{role=%q} not found", name, role)
	return 0
}

func TestHostRebuildKeepsViewerPresenting(t *testing.T) {
	reg := metrics.New()
	hostOpts := testOptions()
	hostOpts.Metrics = reg
	p := newPeers(t, hostOpts, testOptions())
	p.connectAndStart(t)

	require.Eventually(t, func() bool { return p.presenter.count() > 20 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, p.hostDevices.count())
	encodedBefore := p.host.Stats().Pipeline.FramesEncoded
	require.Positive(t, encodedBefore)

	p.hostDevices.latest().Lose()

	require.Eventually(t, func() bool { return p.host.Stats().Resets == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, p.hostDevices.count())
	encoded := p.host.Stats().Pipeline.FramesEncoded
	exported := counterValue(t, reg, "deskstream_frames_encoded_total", "host")
	assert.GreaterOrEqual(t, encoded, encodedBefore, "totals carry over the rebuild")
	assert.GreaterOrEqual(t, exported, float64(encodedBefore))

	before := p.presenter.count()
	require.Eventually(t, func() bool { return p.presenter.count() > before+20 }, 5*time.Second, 5*time.Millisecond,
		"viewer keeps presenting after the host rebuilt")

	ids := p.presenter.presented()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1], "frame ids keep increasing across the rebuild")
	}
	assert.Greater(t, p.host.Stats().Pipeline.FramesEncoded, encoded)
	assert.Greater(t, counterValue(t, reg, "deskstream_frames_encoded_total", "host"), exported)
	assert.Zero(t, p.viewer.Stats().Resets)
	assert.Equal(t, transport.StateEstablished, p.host.Session().State(), "session survives the reset")
}

func TestViewerGivesUpAfterMaxResets(t *testing.T) {
	viewerOpts := testOptions()
	viewerOpts.MaxResets = 0
	p := newPeers(t, testOptions(), viewerOpts)
	p.connectAndStart(t)

	require.Eventually(t, func() bool { return p.presenter.count() > 0 }, 5*time.Second, 5*time.Millisecond)
	p.viewerDevices.latest().Lose()

	err := p.viewer.Wait()
	assert.ErrorIs(t, err, ErrTooManyResets)
	assert.ErrorIs(t, err, av.ErrResourceFailure)
}

func TestSessionFailureIsTerminal(t *testing.T) {
	p := newPeers(t, testOptions(), testOptions())
	p.connectAndStart(t)
	require.Eventually(t, func() bool { return p.presenter.count() > 0 }, 5*time.Second, 5*time.Millisecond)

	// The host disappears without closing; the viewer's keepalive expires.
	p.hostConn.Close()

	done := make(chan error, 1)
	go func() { done <- p.viewer.Wait() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, av.ErrSessionFailure)
		assert.ErrorIs(t, err, transport.ErrKeepaliveTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("viewer did not stop after losing the host")
	}
	assert.Zero(t, p.viewer.Stats().Resets)
	assert.Equal(t, 1, p.viewerDevices.count(), "session failure does not rebuild")
}

func TestPeerLifecycleErrors(t *testing.T) {
	p := newPeers(t, testOptions(), testOptions())

	assert.ErrorIs(t, p.host.Start(), ErrNotConnected)
	assert.ErrorIs(t, p.host.Wait(), ErrNotStarted)
	assert.ErrorIs(t, p.viewer.SendInput(interfaces.InputEvent{Kind: interfaces.InputKey}), ErrNotStarted)
	_, err := p.host.Tunables()
	assert.ErrorIs(t, err, ErrNotStarted)

	p.connectAndStart(t)
	assert.ErrorIs(t, p.host.Start(), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.viewer.Close(ctx))
	assert.NoError(t, p.viewer.Close(ctx))
	assert.ErrorIs(t, p.viewer.Start(), ErrClosed)
}

func TestNewPeerRejectsOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"transport", func(o *Options) { o.Transport.MaxInFlight = 0 }},
		{"quality", func(o *Options) { o.Sender.Quality.MinBitrate = 0 }},
		{"encoder", func(o *Options) { o.Sender.Encoder.FrameRate = 0 }},
		{"queue", func(o *Options) { o.Sender.QueueCapacity = 0 }},
		{"jitter", func(o *Options) { o.Receiver.Jitter.Latency = 0 }},
		{"resets", func(o *Options) { o.MaxResets = -1 }},
	}

	assert.NoError(t, NewOptions().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.modify(opts)
			conn := netsim.NewNetwork(1).Listen()
			defer conn.Close()
			_, err := NewHost(conn, opts, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestHostSubmitCapture(t *testing.T) {
	network := netsim.NewNetwork(2)
	hostConn, viewerConn := network.Listen(), network.Listen()
	defer hostConn.Close()
	defer viewerConn.Close()

	host, err := NewHost(hostConn, testOptions(), nil, nil)
	require.NoError(t, err)
	presenter := &countingPresenter{}
	viewer, err := NewViewer(viewerConn, testOptions(), presenter)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return host.Connect(gctx, transport.ConnectParams{RemoteAddr: viewerConn.LocalAddr(), Secret: testSecret, Initiator: true})
	})
	g.Go(func() error {
		return viewer.Connect(gctx, transport.ConnectParams{RemoteAddr: hostConn.LocalAddr(), Secret: testSecret})
	})
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool { return viewer.Session().State() == transport.StateEstablished },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, viewer.Start())
	require.NoError(t, host.Start())

	var sent atomic.Int32
	require.Eventually(t, func() bool {
		lease, err := tickingSource{}.NextFrame(ctx, host.Device())
		if err == nil && host.SubmitCapture(lease, time.Now()) == nil {
			sent.Add(1)
		}
		return presenter.count() > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Positive(t, sent.Load())

	require.NoError(t, host.Close(ctx))
	require.NoError(t, viewer.Close(ctx))
}
