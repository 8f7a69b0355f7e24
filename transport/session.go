package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	fnoise "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/limits"
	"github.com/opd-ai/deskstream/noise"
)

// tickInterval is the period of the session timer loop.
const tickInterval = 10 * time.Millisecond

// maxPendingPings bounds the pings awaiting a pong.
const maxPendingPings = 32

// ConnectParams carries what signaling agreed on for one session.
type ConnectParams struct {
	// RemoteAddr is the peer's datagram address. A responder may leave it
	// nil to learn it from the first valid handshake message.
	RemoteAddr net.Addr
	// Secret is the shared session secret, at least 16 bytes.
	Secret []byte
	// Initiator selects the handshake role. Exactly one side initiates.
	Initiator bool
	// SessionID salts the key derivation so that one secret reused across
	// sessions yields distinct keys.
	SessionID string
}

// StateChange describes one state transition. Cause is set for failures
// and peer-initiated closes.
type StateChange struct {
	From  State
	To    State
	Cause error
}

// Stats is a snapshot of session counters and estimates.
type Stats struct {
	SessionID string
	State     State

	SRTT     time.Duration
	RTTVar   time.Duration
	RTO      time.Duration
	LossRate float64

	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	VideoSent         uint64
	VideoReceived     uint64
	VideoDropped      uint64
	ControlSent       uint64
	ControlReceived   uint64
	Retransmits       uint64
	Duplicates        uint64
	IntegrityFailures uint64
	SendErrors        uint64
	Outstanding       int
}

type counters struct {
	packetsSent       atomic.Uint64
	packetsReceived   atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	videoSent         atomic.Uint64
	videoReceived     atomic.Uint64
	videoDropped      atomic.Uint64
	controlSent       atomic.Uint64
	controlReceived   atomic.Uint64
	retransmits       atomic.Uint64
	duplicates        atomic.Uint64
	integrityFailures atomic.Uint64
	sendErrors        atomic.Uint64
}

// Session is one encrypted peer-to-peer link multiplexing the video,
// control and session channels over a single datagram socket.
//
// All methods are safe for concurrent use. State change callbacks run
// outside the session lock, in transition order.
type Session struct {
	id    uuid.UUID
	cfg   Config
	ep    *Endpoint
	clock interfaces.TimeProvider
	log   *logrus.Entry

	mu        sync.Mutex
	state     State
	err       error
	connected bool
	remote    net.Addr

	hs         *noise.PSKHandshake
	role       noise.HandshakeRole
	hsMsg      []byte
	hsStarted  time.Time
	hsLastSent time.Time

	send    fnoise.Cipher
	recv    fnoise.Cipher
	counter uint64

	replay   replayWindow
	highest  uint64
	received uint64
	lastRecv time.Time

	pingID   uint64
	pings    map[uint64]time.Time
	lastPing time.Time
	rtt      *RTTEstimator
	loss     *LossEstimator

	goodSince         time.Time
	integrityFailures int

	relSend *reliableSender
	relRecv *reliableReceiver

	closeReason   string
	drainDeadline time.Time

	ctrlNotify  chan struct{}
	videoCh     chan *Packet
	closing     chan struct{}
	done        chan struct{}
	established chan struct{}
	closingOnce sync.Once
	doneOnce    sync.Once
	estOnce     sync.Once

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	notifyMu   sync.Mutex
	callbacks  []stateCallback
	callbackID uint64
	changes    []StateChange

	stats counters
}

// NewSession creates a session in the Connecting state over conn. The
// session reads from conn once Connect is called. The caller keeps
// ownership of conn and closes it after the session is done.
func NewSession(conn net.PacketConn, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:          uuid.New(),
		cfg:         cfg,
		clock:       interfaces.DefaultTimeProvider{},
		state:       StateConnecting,
		pings:       make(map[uint64]time.Time),
		rtt:         NewRTTEstimator(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		loss:        NewLossEstimator(cfg.LossAlpha),
		relSend:     newReliableSender(cfg.MaxRTO),
		relRecv:     newReliableReceiver(cfg.ControlQueue),
		ctrlNotify:  make(chan struct{}, 1),
		videoCh:     make(chan *Packet, cfg.VideoQueue),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		established: make(chan struct{}),
	}
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.ep = NewEndpoint(conn, s.handleDatagram)
	s.log = logrus.WithFields(logrus.Fields{
		"session_id": s.id.String(),
	})

	s.log.WithFields(logrus.Fields{
		"function": "NewSession",
		"local":    addrString(conn.LocalAddr()),
	}).Debug("Session created")

	return s, nil
}

// SetTimeProvider replaces the clock used for timers and RTT samples.
func (s *Session) SetTimeProvider(tp interfaces.TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = tp
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// LocalAddr returns the local socket address.
func (s *Session) LocalAddr() net.Addr {
	return s.ep.LocalAddr()
}

// RemoteAddr returns the peer address, or nil before it is known.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

type stateCallback struct {
	id uint64
	fn func(StateChange)
}

// OnStateChange registers fn to be called after every transition. The
// returned func removes the registration; calling it more than once is a
// no-op.
func (s *Session) OnStateChange(fn func(StateChange)) (unregister func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbackID++
	id := s.callbackID
	s.callbacks = append(s.callbacks, stateCallback{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.callbacks = slices.DeleteFunc(s.callbacks, func(cb stateCallback) bool {
			return cb.id == id
		})
	}
}

// Connect runs the liveness handshake and blocks until the session is
// Established, fails, or ctx ends. Cancelling ctx closes the session.
func (s *Session) Connect(ctx context.Context, params ConnectParams) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if params.Initiator && params.RemoteAddr == nil {
		s.mu.Unlock()
		return fmt.Errorf("initiator requires a remote address")
	}
	s.connected = true
	s.remote = params.RemoteAddr
	s.mu.Unlock()

	s.loops.Add(1)
	go s.timerLoop()
	s.ep.Start()

	var startErr error
	s.withLock(func() {
		if s.state.Terminal() {
			startErr = ErrSessionClosed
			return
		}
		if err := s.startHandshakeLocked(params, s.clock.Now()); err != nil {
			startErr = err
			s.applyLocked(EventFailure, err)
		}
	})
	if startErr != nil {
		return startErr
	}

	select {
	case <-s.established:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		s.withLock(func() {
			s.closeReason = "connect cancelled"
			s.applyLocked(EventClose, nil)
		})
		return ctx.Err()
	}
}

// SendVideo seals pkt on the video channel and sends it once. Write
// failures are counted, not returned: video is lossy by contract.
func (s *Session) SendVideo(pkt Packet) error {
	pkt.Channel = ChannelVideo

	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	dg, err := s.sealLocked(&pkt)
	remote := s.remote
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.write(dg, remote)
	s.stats.videoSent.Add(1)
	return nil
}

// SendControl queues m for reliable, ordered delivery.
func (s *Session) SendControl(m Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendableLocked(); err != nil {
		return err
	}
	if s.relSend.outstanding() >= s.cfg.MaxInFlight {
		return ErrControlBacklog
	}
	s.enqueueControlLocked(payload, s.clock.Now())
	return nil
}

// RecvVideo blocks for the next authenticated video packet. It returns
// ErrSessionClosing as soon as the session starts closing.
func (s *Session) RecvVideo(ctx context.Context) (*Packet, error) {
	select {
	case <-s.closing:
		return nil, s.recvErr()
	default:
	}

	select {
	case pkt := <-s.videoCh:
		return pkt, nil
	case <-s.closing:
		return nil, s.recvErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecvControl blocks for the next in-order control message.
func (s *Session) RecvControl(ctx context.Context) (Message, error) {
	for {
		select {
		case <-s.closing:
			return Message{}, s.recvErr()
		default:
		}

		s.mu.Lock()
		m, ok := s.relRecv.pop()
		s.mu.Unlock()
		if ok {
			return m, nil
		}

		select {
		case <-s.ctrlNotify:
		case <-s.closing:
			return Message{}, s.recvErr()
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close announces the close to the peer, drains acknowledgements for at
// most DrainTimeout and releases the socket read loop. It returns once the
// session is terminal or ctx ends.
func (s *Session) Close(ctx context.Context) error {
	s.withLock(func() {
		if s.state.Terminal() {
			return
		}
		s.closeReason = "local close"
		s.applyLocked(EventClose, nil)
	})

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.ep.Stop()
	s.loops.Wait()

	if s.State() == StateFailed {
		return s.Err()
	}
	return nil
}

// NotifyPeerClosed reports a close learned out of band, for example from
// signaling.
func (s *Session) NotifyPeerClosed() {
	s.withLock(func() {
		s.applyLocked(EventPeerClose, ErrPeerClosed)
	})
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	state := s.state
	outstanding := s.relSend.outstanding()
	s.mu.Unlock()

	return Stats{
		SessionID:         s.id.String(),
		State:             state,
		SRTT:              s.rtt.SRTT(),
		RTTVar:            s.rtt.RTTVar(),
		RTO:               s.rtt.RTO(),
		LossRate:          s.loss.Rate(),
		PacketsSent:       s.stats.packetsSent.Load(),
		PacketsReceived:   s.stats.packetsReceived.Load(),
		BytesSent:         s.stats.bytesSent.Load(),
		BytesReceived:     s.stats.bytesReceived.Load(),
		VideoSent:         s.stats.videoSent.Load(),
		VideoReceived:     s.stats.videoReceived.Load(),
		VideoDropped:      s.stats.videoDropped.Load(),
		ControlSent:       s.stats.controlSent.Load(),
		ControlReceived:   s.stats.controlReceived.Load(),
		Retransmits:       s.stats.retransmits.Load(),
		Duplicates:        s.stats.duplicates.Load(),
		IntegrityFailures: s.stats.integrityFailures.Load(),
		SendErrors:        s.stats.sendErrors.Load(),
		Outstanding:       outstanding,
	}
}

func (s *Session) sendableLocked() error {
	switch {
	case s.state == StateClosing:
		return ErrSessionClosing
	case s.state.Terminal():
		return ErrSessionClosed
	case !s.state.Active():
		return ErrNotEstablished
	}
	return nil
}

func (s *Session) recvErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.err)
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrSessionClosing
	}
}

// withLock runs fn under the session lock and then delivers the state
// changes fn produced.
func (s *Session) withLock(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.dispatchChanges()
}

func (s *Session) dispatchChanges() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changes := s.changes
	s.changes = nil
	callbacks := slices.Clone(s.callbacks)
	s.mu.Unlock()

	for _, change := range changes {
		for _, cb := range callbacks {
			cb.fn(change)
		}
	}
}

// applyLocked drives the state machine and performs the resulting effects.
func (s *Session) applyLocked(ev Event, cause error) {
	from := s.state
	next, effects, err := Transition(from, ev)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.apply",
			"state":    from.String(),
			"event":    ev.String(),
		}).Debug("Ignoring event")
		return
	}

	s.state = next
	if next == StateFailed && s.err == nil {
		s.err = cause
	}

	now := s.clock.Now()
	for _, eff := range effects {
		switch eff {
		case EffectEstablish:
			s.lastRecv = now
			s.estOnce.Do(func() { close(s.established) })
		case EffectReleaseReceivers:
			s.closingOnce.Do(func() { close(s.closing) })
		case EffectSendClose:
			if payload, err := CloseMessage(s.closeReason).Encode(); err == nil {
				s.enqueueControlLocked(payload, now)
			}
		case EffectStartDrain:
			s.drainDeadline = now.Add(s.cfg.DrainTimeout)
		case EffectTerminate:
			s.doneOnce.Do(func() { close(s.done) })
			s.loopCancel()
			s.ep.Shutdown()
		}
	}

	if next == from {
		return
	}
	s.changes = append(s.changes, StateChange{From: from, To: next, Cause: cause})

	fields := logrus.Fields{
		"function": "Session.apply",
		"from":     from.String(),
		"to":       next.String(),
		"event":    ev.String(),
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	if next == StateFailed {
		s.log.WithFields(fields).Warn("Session failed")
	} else {
		s.log.WithFields(fields).Info("Session state changed")
	}
}

// sealLocked serializes pkt and encrypts it under the next counter.
func (s *Session) sealLocked(pkt *Packet) ([]byte, error) {
	if s.send == nil {
		return nil, ErrNotEstablished
	}

	s.counter++
	n := s.counter

	dg := make([]byte, limits.DatagramPrefix, limits.MaxDatagram)
	dg[0] = byte(kindSealed)
	dg[1] = byte(pkt.Channel)
	binary.LittleEndian.PutUint64(dg[2:limits.DatagramPrefix], n)

	plain, err := pkt.AppendTo(make([]byte, 0, limits.HeaderSize+len(pkt.Payload)))
	if err != nil {
		return nil, err
	}
	ad := append([]byte(nil), dg[:limits.DatagramPrefix]...)
	return s.send.Encrypt(dg, n, ad, plain), nil
}

// sendSealedLocked seals and writes pkt while holding the lock.
func (s *Session) sendSealedLocked(pkt *Packet) {
	dg, err := s.sealLocked(pkt)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.sendSealed",
			"channel":  pkt.Channel.String(),
			"error":    err.Error(),
		}).Debug("Cannot seal packet")
		return
	}
	s.write(dg, s.remote)
}

func (s *Session) writeLocked(dg []byte) {
	if s.remote == nil {
		return
	}
	s.write(dg, s.remote)
}

func (s *Session) write(dg []byte, remote net.Addr) {
	if err := s.ep.WriteTo(dg, remote); err != nil {
		s.stats.sendErrors.Add(1)
		s.log.WithFields(logrus.Fields{
			"function": "Session.write",
			"remote":   addrString(remote),
			"error":    err.Error(),
		}).Debug("Datagram write failed")
		return
	}
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(dg)))
}

func (s *Session) enqueueControlLocked(payload []byte, now time.Time) {
	o := s.relSend.enqueue(payload, now, s.rtt.RTO())
	s.sendSealedLocked(&Packet{
		Channel: ChannelControl,
		FrameID: o.seq,
		Count:   1,
		Payload: o.payload,
	})
	s.stats.controlSent.Add(1)
}

func (s *Session) reportLocked() ReceiverReport {
	return ReceiverReport{Highest: s.highest, Received: s.received}
}

func (s *Session) sendPingLocked(now time.Time) {
	s.pingID++
	s.pings[s.pingID] = now
	if s.pingID > maxPendingPings {
		delete(s.pings, s.pingID-maxPendingPings)
	}
	s.lastPing = now
	s.sendSessionMessageLocked(Message{Type: MsgPing, PingID: s.pingID, Report: s.reportLocked()})
}

func (s *Session) sendSessionMessageLocked(m Message) {
	payload, err := m.Encode()
	if err != nil {
		return
	}
	s.sendSealedLocked(&Packet{Channel: ChannelSession, Count: 1, Payload: payload})
}

func (s *Session) sendAckLocked(seq uint32) {
	s.sendSealedLocked(&Packet{Channel: ChannelSession, FrameID: seq, Count: 1, Flags: FlagAck})
}

// handleDatagram is the endpoint callback for every received datagram.
func (s *Session) handleDatagram(data []byte, addr net.Addr) {
	s.withLock(func() {
		s.processLocked(data, addr, s.clock.Now())
	})
}

func (s *Session) processLocked(data []byte, addr net.Addr, now time.Time) {
	if len(data) == 0 || s.state.Terminal() {
		return
	}
	if s.remote != nil && addr.String() != s.remote.String() {
		return
	}

	switch datagramKind(data[0]) {
	case kindHandshake:
		s.handleHandshakeLocked(data[1:], addr, now)
	case kindSealed:
		s.handleSealedLocked(data, now)
	default:
		s.authFailureLocked(now, fmt.Errorf("unknown datagram kind %d", data[0]))
	}
}

func (s *Session) handleSealedLocked(data []byte, now time.Time) {
	if s.recv == nil || len(data) < limits.DatagramPrefix+limits.EncryptionOverhead {
		return
	}

	n := binary.LittleEndian.Uint64(data[2:limits.DatagramPrefix])
	plain, err := s.recv.Decrypt(nil, n, data[:limits.DatagramPrefix], data[limits.DatagramPrefix:])
	if err != nil {
		s.authFailureLocked(now, err)
		return
	}
	s.integrityFailures = 0

	if !s.replay.accept(n) {
		s.stats.duplicates.Add(1)
		return
	}
	s.received++
	if n > s.highest {
		s.highest = n
	}
	s.lastRecv = now
	s.stats.packetsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(data)))

	if s.state == StateConnecting {
		s.applyLocked(EventHandshakeDone, nil)
	}

	pkt, err := ParsePacket(plain)
	if err == nil && pkt.Channel != Channel(data[1]) {
		err = fmt.Errorf("%w: channel prefix %d, header %d", ErrMalformedPacket, data[1], pkt.Channel)
	}
	if err != nil {
		s.applyLocked(EventFailure, fmt.Errorf("%w: %w", ErrIntegrityFailure, err))
		return
	}

	switch pkt.Channel {
	case ChannelVideo:
		s.deliverVideoLocked(pkt)
	case ChannelControl:
		s.handleControlLocked(pkt)
	case ChannelSession:
		s.handleSessionLocked(pkt, now)
	}
}

func (s *Session) deliverVideoLocked(pkt *Packet) {
	if !s.state.Active() {
		return
	}
	select {
	case s.videoCh <- pkt:
		s.stats.videoReceived.Add(1)
	default:
		s.stats.videoDropped.Add(1)
	}
}

func (s *Session) handleControlLocked(pkt *Packet) {
	m, err := DecodeMessage(pkt.Payload)
	if err != nil {
		s.applyLocked(EventFailure, fmt.Errorf("%w: %w", ErrIntegrityFailure, err))
		return
	}
	if !s.relRecv.accept(pkt.FrameID, m) {
		return
	}
	s.sendAckLocked(pkt.FrameID)
	s.stats.controlReceived.Add(1)

	// Close announcements end the session instead of reaching the caller.
	peerClosed := false
	kept := s.relRecv.ready[:0]
	for _, msg := range s.relRecv.ready {
		if msg.Type == MsgClose {
			peerClosed = true
			s.log.WithFields(logrus.Fields{
				"function": "Session.handleControl",
				"reason":   msg.Reason,
			}).Info("Peer announced close")
			continue
		}
		kept = append(kept, msg)
	}
	s.relRecv.ready = kept

	if len(kept) > 0 {
		select {
		case s.ctrlNotify <- struct{}{}:
		default:
		}
	}
	if peerClosed {
		s.applyLocked(EventPeerClose, ErrPeerClosed)
	}
}

func (s *Session) handleSessionLocked(pkt *Packet, now time.Time) {
	if pkt.Flags&FlagAck != 0 {
		rtt, sampled, found := s.relSend.ack(pkt.FrameID, now)
		if sampled {
			s.rtt.Sample(rtt)
		}
		if found && s.state == StateClosing && s.relSend.outstanding() == 0 {
			s.applyLocked(EventDrained, nil)
		}
		return
	}

	m, err := DecodeMessage(pkt.Payload)
	if err != nil {
		s.applyLocked(EventFailure, fmt.Errorf("%w: %w", ErrIntegrityFailure, err))
		return
	}

	switch m.Type {
	case MsgPing:
		s.loss.Report(m.Report)
		s.sendSessionMessageLocked(Message{Type: MsgPong, PingID: m.PingID, Report: s.reportLocked()})
	case MsgPong:
		if sent, ok := s.pings[m.PingID]; ok {
			delete(s.pings, m.PingID)
			s.rtt.Sample(now.Sub(sent))
		}
		s.loss.Report(m.Report)
	}
}

// authFailureLocked counts a datagram that failed authentication.
func (s *Session) authFailureLocked(now time.Time, err error) {
	s.integrityFailures++
	s.stats.integrityFailures.Add(1)

	s.log.WithFields(logrus.Fields{
		"function":    "Session.authFailure",
		"consecutive": s.integrityFailures,
		"error":       err.Error(),
	}).Debug("Dropping unauthenticated datagram")

	if s.integrityFailures >= s.cfg.MaxIntegrityFailures {
		s.applyLocked(EventFailure, fmt.Errorf("%w: %d consecutive authentication failures",
			ErrIntegrityFailure, s.integrityFailures))
	}
}

func (s *Session) timerLoop() {
	defer s.loops.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			s.withLock(func() {
				s.tickLocked(s.clock.Now())
			})
		}
	}
}

func (s *Session) tickLocked(now time.Time) {
	switch s.state {
	case StateConnecting:
		s.handshakeTickLocked(now)

	case StateEstablished, StateDegraded:
		if now.Sub(s.lastRecv) >= s.cfg.KeepaliveTimeout {
			s.applyLocked(EventFailure, ErrKeepaliveTimeout)
			return
		}
		if now.Sub(s.lastPing) >= s.cfg.KeepaliveInterval {
			s.sendPingLocked(now)
		}
		if s.retransmitLocked(now) {
			s.applyLocked(EventFailure, ErrRetransmitExhausted)
			return
		}
		s.evaluateCongestionLocked(now)

	case StateClosing:
		exhausted := s.retransmitLocked(now)
		if exhausted || s.relSend.outstanding() == 0 || !now.Before(s.drainDeadline) {
			s.applyLocked(EventDrained, nil)
		}
	}
}

// retransmitLocked resends due control messages and reports whether any
// message ran out of retransmissions.
func (s *Session) retransmitLocked(now time.Time) bool {
	resend, exhausted := s.relSend.due(now, s.cfg.MaxRetransmits)
	for _, o := range resend {
		s.sendSealedLocked(&Packet{
			Channel: ChannelControl,
			FrameID: o.seq,
			Count:   1,
			Payload: o.payload,
		})
		s.stats.retransmits.Add(1)
	}
	return exhausted
}

// evaluateCongestionLocked applies the degrade and recover thresholds.
// Recovery requires the good conditions to hold for RecoverDwell.
func (s *Session) evaluateCongestionLocked(now time.Time) {
	loss := s.loss.Rate()
	srtt := s.rtt.SRTT()

	switch s.state {
	case StateEstablished:
		if loss >= s.cfg.DegradeLoss || srtt >= s.cfg.DegradeRTT {
			s.goodSince = time.Time{}
			s.applyLocked(EventDegrade, nil)
		}
	case StateDegraded:
		if loss > s.cfg.RecoverLoss || srtt > s.cfg.RecoverRTT {
			s.goodSince = time.Time{}
			return
		}
		if s.goodSince.IsZero() {
			s.goodSince = now
			return
		}
		if now.Sub(s.goodSince) >= s.cfg.RecoverDwell {
			s.goodSince = time.Time{}
			s.applyLocked(EventRecover, nil)
		}
	}
}

// IsClosed reports whether err means the session can no longer carry
// traffic.
func IsClosed(err error) bool {
	return errors.Is(err, ErrSessionClosing) || errors.Is(err, ErrSessionClosed)
}
