package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/deskstream/netsim"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeRetryInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.KeepaliveInterval = 50 * time.Millisecond
	cfg.KeepaliveTimeout = 2 * time.Second
	cfg.InitialRTO = 30 * time.Millisecond
	cfg.MinRTO = 10 * time.Millisecond
	cfg.MaxRTO = 200 * time.Millisecond
	cfg.MaxRetransmits = 20
	cfg.DrainTimeout = 500 * time.Millisecond
	cfg.RecoverDwell = 200 * time.Millisecond
	return cfg
}

type sessionPair struct {
	host, viewer         *Session
	hostConn, viewerConn *netsim.Conn
}

func newSessionPair(t *testing.T, cfg Config, seed int64) *sessionPair {
	t.Helper()
	network := netsim.NewNetwork(seed)
	p := &sessionPair{hostConn: network.Listen(), viewerConn: network.Listen()}

	var err error
	p.host, err = NewSession(p.hostConn, cfg)
	require.NoError(t, err)
	p.viewer, err = NewSession(p.viewerConn, cfg)
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

func (p *sessionPair) connect(t *testing.T, secret []byte) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.host.Connect(ctx, ConnectParams{
			RemoteAddr: p.viewerConn.LocalAddr(),
			Secret:     secret,
			Initiator:  true,
			SessionID:  "test",
		})
	})
	g.Go(func() error {
		return p.viewer.Connect(ctx, ConnectParams{
			RemoteAddr: p.hostConn.LocalAddr(),
			Secret:     testSecret,
			SessionID:  "test",
		})
	})
	return g.Wait()
}

func waitState(t *testing.T, s *Session, want State, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, within, 5*time.Millisecond,
		"state %s, want %s", s.State(), want)
}

func TestSessionHandshakeAndVideo(t *testing.T) {
	p := newSessionPair(t, testConfig(), 1)
	require.NoError(t, p.connect(t, testSecret))

	assert.Equal(t, StateEstablished, p.host.State())
	waitState(t, p.viewer, StateEstablished, time.Second)

	pkt := Packet{FrameID: 7, Index: 0, Count: 1, Flags: FlagKeyframe, Payload: []byte("frame")}
	require.NoError(t, p.host.SendVideo(pkt))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.viewer.RecvVideo(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelVideo, got.Channel)
	assert.Equal(t, uint32(7), got.FrameID)
	assert.True(t, got.Keyframe())
	assert.Equal(t, []byte("frame"), got.Payload)

	stats := p.viewer.Stats()
	assert.Equal(t, uint64(1), stats.VideoReceived)
	assert.Equal(t, p.viewer.ID().String(), stats.SessionID)
}

func TestSessionRTTMeasured(t *testing.T) {
	p := newSessionPair(t, testConfig(), 2)
	require.NoError(t, p.connect(t, testSecret))

	require.Eventually(t, func() bool { return p.host.Stats().SRTT > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, p.host.Stats().SRTT, 100*time.Millisecond)
}

func TestSessionControlOrderedUnderLoss(t *testing.T) {
	p := newSessionPair(t, testConfig(), 3)
	require.NoError(t, p.connect(t, testSecret))
	waitState(t, p.viewer, StateEstablished, time.Second)

	lossy := netsim.Conditions{Loss: 0.2, Jitter: 5 * time.Millisecond}
	p.hostConn.SetConditions(lossy)
	p.viewerConn.SetConditions(lossy)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, p.viewer.SendControl(BitrateNegotiate(uint64(i+1))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		m, err := p.host.RecvControl(ctx)
		require.NoError(t, err)
		require.Equal(t, MsgBitrateNegotiate, m.Type)
		require.Equal(t, uint64(i+1), m.TargetBitrate)
	}

	require.Eventually(t, func() bool { return p.viewer.Stats().Outstanding == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, p.viewer.Stats().Retransmits)
}

func TestSessionOrderlyClose(t *testing.T) {
	cfg := testConfig()
	p := newSessionPair(t, cfg, 4)
	require.NoError(t, p.connect(t, testSecret))
	waitState(t, p.viewer, StateEstablished, time.Second)

	var mu sync.Mutex
	var changes []StateChange
	p.viewer.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	recvErr := make(chan error, 1)
	go func() {
		_, err := p.viewer.RecvVideo(context.Background())
		recvErr <- err
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.host.Close(ctx))
	assert.Equal(t, StateClosed, p.host.State())
	assert.Less(t, time.Since(start), cfg.DrainTimeout+200*time.Millisecond)

	select {
	case err := <-recvErr:
		assert.True(t, IsClosed(err), "unexpected error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked RecvVideo was not released")
	}

	waitState(t, p.viewer, StateClosed, 2*time.Second)
	assert.NoError(t, p.viewer.Err())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, StateChange{From: StateEstablished, To: StateClosing, Cause: ErrPeerClosed}, changes[0])
	assert.Equal(t, StateClosed, changes[1].To)

	assert.ErrorIs(t, p.host.SendVideo(Packet{Count: 1}), ErrSessionClosed)
	assert.ErrorIs(t, p.host.SendControl(KeyframeRequest()), ErrSessionClosed)
}

func TestSessionStateCallbackUnregister(t *testing.T) {
	p := newSessionPair(t, testConfig(), 10)
	require.NoError(t, p.connect(t, testSecret))

	var mu sync.Mutex
	var kept, removed []State
	p.host.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		kept = append(kept, c.To)
	})
	unregister := p.host.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, c.To)
	})
	unregister()
	unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.host.Close(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kept) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateClosing, StateClosed}, kept)
	assert.Empty(t, removed)
}

func TestSessionNotifyPeerClosed(t *testing.T) {
	cfg := testConfig()
	p := newSessionPair(t, cfg, 9)
	require.NoError(t, p.connect(t, testSecret))
	waitState(t, p.viewer, StateEstablished, time.Second)

	p.viewer.NotifyPeerClosed()
	assert.NotEqual(t, StateEstablished, p.viewer.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.viewer.RecvControl(ctx)
	assert.True(t, IsClosed(err), "unexpected error %v", err)

	waitState(t, p.viewer, StateClosed, cfg.DrainTimeout+time.Second)
	assert.NoError(t, p.viewer.Err())

	// Signaling may report the close more than once.
	p.viewer.NotifyPeerClosed()
	assert.Equal(t, StateClosed, p.viewer.State())

	waitState(t, p.host, StateClosed, 2*time.Second)
}

func TestSessionCloseBoundedWhenPeerGone(t *testing.T) {
	cfg := testConfig()
	p := newSessionPair(t, cfg, 5)
	require.NoError(t, p.connect(t, testSecret))

	p.hostConn.SetConditions(netsim.Conditions{Loss: 1})

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.host.Close(ctx))
	elapsed := time.Since(start)

	assert.Equal(t, StateClosed, p.host.State())
	assert.GreaterOrEqual(t, elapsed, cfg.DrainTimeout-50*time.Millisecond)
	assert.Less(t, elapsed, cfg.DrainTimeout+300*time.Millisecond)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	network := netsim.NewNetwork(6)
	conn, silent := network.Listen(), network.Listen()
	defer conn.Close()
	defer silent.Close()

	s, err := NewSession(conn, cfg)
	require.NoError(t, err)

	err = s.Connect(context.Background(), ConnectParams{
		RemoteAddr: silent.LocalAddr(),
		Secret:     testSecret,
		Initiator:  true,
	})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.True(t, IsSessionFailure(err))
	assert.Equal(t, StateFailed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after failure")
	}
	assert.ErrorIs(t, s.Close(context.Background()), ErrHandshakeTimeout)
}

func TestSessionWrongSecret(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIntegrityFailures = 3
	p := newSessionPair(t, cfg, 7)

	err := p.connect(t, []byte("a different secret of enough size"))
	assert.ErrorIs(t, err, ErrIntegrityFailure)

	assert.Equal(t, StateFailed, p.viewer.State())
	assert.ErrorIs(t, p.viewer.Err(), ErrIntegrityFailure)
	waitState(t, p.host, StateClosed, 2*time.Second)
}

func TestSessionKeepaliveTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveTimeout = 300 * time.Millisecond
	p := newSessionPair(t, cfg, 8)
	require.NoError(t, p.connect(t, testSecret))
	waitState(t, p.viewer, StateEstablished, time.Second)

	blackhole := netsim.Conditions{Loss: 1}
	p.hostConn.SetConditions(blackhole)
	p.viewerConn.SetConditions(blackhole)

	waitState(t, p.host, StateFailed, 2*time.Second)
	assert.ErrorIs(t, p.host.Err(), ErrKeepaliveTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.host.RecvControl(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrKeepaliveTimeout)
}

func TestSessionIntegrityFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIntegrityFailures = 4
	p := newSessionPair(t, cfg, 9)
	require.NoError(t, p.connect(t, testSecret))
	waitState(t, p.viewer, StateEstablished, time.Second)

	// Forged datagrams from the host address fail authentication.
	// Genuine host traffic resets the consecutive count, so keep sending
	// until the viewer gives up.
	forged := make([]byte, 64)
	forged[0] = byte(kindSealed)
	for i := 0; i < 100 && p.viewer.State() != StateFailed; i++ {
		forged[2] = byte(i)
		_, err := p.hostConn.WriteTo(forged, p.viewerConn.LocalAddr())
		require.NoError(t, err)
	}

	waitState(t, p.viewer, StateFailed, 2*time.Second)
	assert.ErrorIs(t, p.viewer.Err(), ErrIntegrityFailure)
	assert.GreaterOrEqual(t, p.viewer.Stats().IntegrityFailures, uint64(cfg.MaxIntegrityFailures))
}

func TestSessionDegradesUnderLoss(t *testing.T) {
	p := newSessionPair(t, testConfig(), 10)
	require.NoError(t, p.connect(t, testSecret))

	p.hostConn.SetConditions(netsim.Conditions{Loss: 0.5})
	waitState(t, p.host, StateDegraded, 3*time.Second)

	p.hostConn.SetConditions(netsim.Conditions{})
	waitState(t, p.host, StateEstablished, 5*time.Second)
}

func TestSessionLifecycleErrors(t *testing.T) {
	network := netsim.NewNetwork(11)
	conn := network.Listen()
	defer conn.Close()

	s, err := NewSession(conn, testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, s.SendVideo(Packet{Count: 1}), ErrNotEstablished)
	assert.ErrorIs(t, s.SendControl(KeyframeRequest()), ErrNotEstablished)

	err = s.Connect(context.Background(), ConnectParams{Secret: testSecret, Initiator: true})
	assert.Error(t, err, "initiator needs a remote address")

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Connect(context.Background(), ConnectParams{Secret: testSecret}), ErrSessionClosed)

	_, err = s.RecvVideo(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionConnectTwice(t *testing.T) {
	p := newSessionPair(t, testConfig(), 12)
	require.NoError(t, p.connect(t, testSecret))

	err := p.host.Connect(context.Background(), ConnectParams{
		RemoteAddr: p.viewerConn.LocalAddr(),
		Secret:     testSecret,
		Initiator:  true,
	})
	assert.ErrorIs(t, err, ErrAlreadyConnecting)
}

func TestSessionConnectCancelled(t *testing.T) {
	network := netsim.NewNetwork(13)
	conn, silent := network.Listen(), network.Listen()
	defer conn.Close()
	defer silent.Close()

	s, err := NewSession(conn, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Connect(ctx, ConnectParams{RemoteAddr: silent.LocalAddr(), Secret: testSecret, Initiator: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, s.State())
}

func TestNewSessionRejectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = cfg.KeepaliveTimeout
	_, err := NewSession(netsim.NewNetwork(1).Listen(), cfg)
	assert.Error(t, err)
}
