package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/crypto"
	"github.com/opd-ai/deskstream/noise"
)

// prologue binds the handshake to this protocol version.
const prologue = "deskstream/1"

// Handshake message indices carried after the datagram kind.
const (
	handshakeFirst  byte = 1
	handshakeSecond byte = 2
)

func handshakeDatagram(index byte, msg []byte) []byte {
	dg := make([]byte, 0, 2+len(msg))
	dg = append(dg, byte(kindHandshake), index)
	return append(dg, msg...)
}

// startHandshakeLocked derives the pre-shared key and, for the initiator,
// sends the first handshake message.
func (s *Session) startHandshakeLocked(params ConnectParams, now time.Time) error {
	psk, err := crypto.DeriveHandshakePSK(params.Secret, []byte(params.SessionID))
	if err != nil {
		return err
	}
	defer crypto.ZeroKey(&psk)

	role := noise.Responder
	if params.Initiator {
		role = noise.Initiator
	}
	hs, err := noise.NewPSKHandshake(psk[:], []byte(prologue), role)
	if err != nil {
		return err
	}

	s.hs = hs
	s.role = role
	s.hsStarted = now

	s.log.WithFields(logrus.Fields{
		"function": "Session.startHandshake",
		"role":     role.String(),
		"remote":   addrString(s.remote),
	}).Info("Starting liveness handshake")

	if role != noise.Initiator {
		return nil
	}

	msg, err := hs.WriteMessage(nil)
	if err != nil {
		return fmt.Errorf("write first handshake message: %w", err)
	}
	s.hsMsg = handshakeDatagram(handshakeFirst, msg)
	s.hsLastSent = now
	s.writeLocked(s.hsMsg)
	return nil
}

// handleHandshakeLocked processes a handshake datagram body (after the kind
// byte).
func (s *Session) handleHandshakeLocked(body []byte, addr net.Addr, now time.Time) {
	if s.hs == nil || len(body) < 1 || s.state.Terminal() {
		return
	}
	index, msg := body[0], body[1:]

	switch {
	case s.role == noise.Responder && index == handshakeFirst:
		if s.hs.IsComplete() {
			// The reply was lost; the initiator retransmitted.
			s.writeLocked(s.hsMsg)
			return
		}
		if _, err := s.hs.ReadMessage(msg); err != nil {
			s.authFailureLocked(now, err)
			return
		}
		reply, err := s.hs.WriteMessage(nil)
		if err != nil {
			s.applyLocked(EventFailure, fmt.Errorf("%w: %v", ErrIntegrityFailure, err))
			return
		}
		if s.remote == nil {
			s.remote = addr
		}
		s.hsMsg = handshakeDatagram(handshakeSecond, reply)
		s.writeLocked(s.hsMsg)
		s.installCiphersLocked()

	case s.role == noise.Initiator && index == handshakeSecond:
		if s.hs.IsComplete() {
			return
		}
		if _, err := s.hs.ReadMessage(msg); err != nil {
			s.authFailureLocked(now, err)
			return
		}
		s.installCiphersLocked()
		s.applyLocked(EventHandshakeDone, nil)
		s.sendPingLocked(now)
	}
}

func (s *Session) installCiphersLocked() {
	send, recv, err := s.hs.Ciphers()
	if err != nil {
		return
	}
	s.send, s.recv = send, recv

	s.log.WithFields(logrus.Fields{
		"function": "Session.installCiphers",
		"role":     s.role.String(),
	}).Debug("Handshake complete, transport keys installed")
}

// handshakeTickLocked retransmits the first message and enforces the
// handshake timeout.
func (s *Session) handshakeTickLocked(now time.Time) {
	if s.hs == nil {
		return
	}
	if now.Sub(s.hsStarted) >= s.cfg.HandshakeTimeout {
		s.applyLocked(EventFailure, ErrHandshakeTimeout)
		return
	}
	if s.role == noise.Initiator && !s.hs.IsComplete() &&
		now.Sub(s.hsLastSent) >= s.cfg.HandshakeRetryInterval {
		s.hsLastSent = now
		s.writeLocked(s.hsMsg)

		s.log.WithFields(logrus.Fields{
			"function": "Session.handshakeTick",
			"elapsed":  now.Sub(s.hsStarted).String(),
		}).Debug("Retransmitting first handshake message")
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
