// Package transport provides the authenticated datagram session that carries
// a screen stream between one host and one viewer.
//
// # Architecture
//
// A [Session] runs over any net.PacketConn. It multiplexes three channels
// onto one datagram flow:
//
//   - ChannelVideo: unreliable, unordered fragments of encoded frames
//   - ChannelControl: reliable, ordered control messages (keyframe
//     requests, bit rate negotiation, input events, close)
//   - ChannelSession: acknowledgements and ping/pong with receiver reports
//
// Every datagram after the handshake is sealed with the ciphers produced
// by a Noise NNpsk0 handshake. The pre-shared key is derived from the
// shared secret and the session id, so a peer with the wrong secret fails
// the handshake.
//
// # Wire Format
//
//	[kind:1][channel:1][counter:8 LE][AEAD(header:12 | payload)]
//
// The first ten bytes are authenticated as associated data. Counters start
// at 1 and are checked against a 1024-entry replay window.
//
// # Session Lifecycle
//
//	sess, err := transport.NewSession(conn, transport.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	err = sess.Connect(ctx, transport.ConnectParams{
//	    RemoteAddr: peer,
//	    Secret:     secret,
//	    Initiator:  true,
//	    SessionID:  "desk-1",
//	})
//
// States move Connecting → Established ⇄ Degraded → Closing → Closed, or
// to Failed from any non-terminal state. Transitions are computed by the
// pure [Transition] function; the session performs the returned effects.
// Terminal states are sticky.
//
// # Congestion State
//
// RTT is estimated from control acknowledgements and pongs following RFC
// 6298 and loss from counter gaps with an EWMA. The session degrades when
// either crosses its threshold and recovers after both stay low for
// Config.RecoverDwell.
//
// # Error Handling
//
// Session failures are reported through [Session.Err] and classified with
// [IsSessionFailure]:
//
//	if transport.IsSessionFailure(sess.Err()) {
//	    // handshake, keepalive, integrity or retransmission failure
//	}
package transport
