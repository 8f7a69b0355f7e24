package transport

import "fmt"

// State is the session lifecycle state.
type State uint8

const (
	// StateConnecting runs the liveness handshake.
	StateConnecting State = iota
	// StateEstablished carries traffic normally.
	StateEstablished
	// StateDegraded carries traffic under high loss or delay.
	StateDegraded
	// StateClosing refuses new receives and drains reliable messages.
	StateClosing
	// StateClosed is the terminal state after an orderly shutdown.
	StateClosed
	// StateFailed is the terminal state after an unrecoverable error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Active reports whether media may flow in s.
func (s State) Active() bool {
	return s == StateEstablished || s == StateDegraded
}

// Event drives a state transition.
type Event uint8

const (
	// EventHandshakeDone fires on the first authenticated exchange.
	EventHandshakeDone Event = iota
	// EventDegrade fires when loss or RTT crosses the degrade thresholds.
	EventDegrade
	// EventRecover fires when recovery conditions held for the dwell time.
	EventRecover
	// EventClose is a local close request.
	EventClose
	// EventPeerClose is a close from the peer or from signaling.
	EventPeerClose
	// EventDrained fires when reliable traffic is drained or the drain
	// timeout passed.
	EventDrained
	// EventFailure is any session failure.
	EventFailure
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventHandshakeDone:
		return "handshake-done"
	case EventDegrade:
		return "degrade"
	case EventRecover:
		return "recover"
	case EventClose:
		return "close"
	case EventPeerClose:
		return "peer-close"
	case EventDrained:
		return "drained"
	case EventFailure:
		return "failure"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Effect is a side effect the session performs after a transition.
type Effect uint8

const (
	// EffectEstablish unblocks Connect and arms keepalive.
	EffectEstablish Effect = iota
	// EffectReleaseReceivers wakes every blocked receive with ErrSessionClosing.
	EffectReleaseReceivers
	// EffectSendClose sends a Close message on the control channel.
	EffectSendClose
	// EffectStartDrain arms the drain deadline.
	EffectStartDrain
	// EffectTerminate stops all session goroutines and timers.
	EffectTerminate
)

// Transition computes the next state for event e in state s. It is pure:
// the caller performs the returned effects. Terminal states reject every
// event with ErrInvalidTransition and never change.
func Transition(s State, e Event) (State, []Effect, error) {
	if s.Terminal() {
		return s, nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e, s)
	}

	if e == EventFailure {
		return StateFailed, []Effect{EffectReleaseReceivers, EffectTerminate}, nil
	}

	switch s {
	case StateConnecting:
		switch e {
		case EventHandshakeDone:
			return StateEstablished, []Effect{EffectEstablish}, nil
		case EventClose, EventPeerClose:
			return StateClosed, []Effect{EffectReleaseReceivers, EffectTerminate}, nil
		}

	case StateEstablished, StateDegraded:
		switch e {
		case EventHandshakeDone:
			return s, nil, nil
		case EventDegrade:
			return StateDegraded, nil, nil
		case EventRecover:
			return StateEstablished, nil, nil
		case EventClose, EventPeerClose:
			return StateClosing, []Effect{EffectReleaseReceivers, EffectSendClose, EffectStartDrain}, nil
		}

	case StateClosing:
		switch e {
		case EventClose, EventPeerClose, EventDegrade, EventRecover, EventHandshakeDone:
			return s, nil, nil
		case EventDrained:
			return StateClosed, []Effect{EffectTerminate}, nil
		}
	}

	return s, nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e, s)
}
