package transport

import (
	"time"
)

// outgoing is a control message awaiting acknowledgement.
type outgoing struct {
	seq       uint32
	payload   []byte
	firstSent time.Time
	nextDue   time.Time
	backoff   time.Duration
	attempts  int
}

// reliableSender numbers control messages and schedules retransmissions
// with exponential backoff. It is not synchronized; Session guards it.
type reliableSender struct {
	nextSeq  uint32
	inflight map[uint32]*outgoing
	order    []uint32
	maxRTO   time.Duration
}

func newReliableSender(maxRTO time.Duration) *reliableSender {
	return &reliableSender{
		inflight: make(map[uint32]*outgoing),
		maxRTO:   maxRTO,
	}
}

// enqueue assigns the next sequence number to payload, records its first
// transmission at now and returns it.
func (r *reliableSender) enqueue(payload []byte, now time.Time, rto time.Duration) *outgoing {
	o := &outgoing{
		seq:       r.nextSeq,
		payload:   payload,
		firstSent: now,
		nextDue:   now.Add(rto),
		backoff:   rto,
		attempts:  1,
	}
	r.nextSeq++
	r.inflight[o.seq] = o
	r.order = append(r.order, o.seq)
	return o
}

// ack removes seq. It returns an RTT sample when the message was sent only
// once, since the sample of a retransmitted message is ambiguous.
func (r *reliableSender) ack(seq uint32, now time.Time) (time.Duration, bool, bool) {
	o, ok := r.inflight[seq]
	if !ok {
		return 0, false, false
	}
	delete(r.inflight, seq)
	if o.attempts == 1 {
		return now.Sub(o.firstSent), true, true
	}
	return 0, false, true
}

// due returns the messages whose retransmission timer fired and advances
// their backoff. exhausted is true when a message already used
// maxRetransmits retransmissions.
func (r *reliableSender) due(now time.Time, maxRetransmits int) (resend []*outgoing, exhausted bool) {
	live := r.order[:0]
	for _, seq := range r.order {
		o, ok := r.inflight[seq]
		if !ok {
			continue
		}
		live = append(live, seq)
		if now.Before(o.nextDue) {
			continue
		}
		if o.attempts > maxRetransmits {
			exhausted = true
			continue
		}
		o.attempts++
		o.backoff *= 2
		if o.backoff > r.maxRTO {
			o.backoff = r.maxRTO
		}
		o.nextDue = now.Add(o.backoff)
		resend = append(resend, o)
	}
	r.order = live
	return resend, exhausted
}

// outstanding returns the number of unacknowledged messages.
func (r *reliableSender) outstanding() int {
	return len(r.inflight)
}

// reliableReceiver restores send order. Messages are acknowledged once
// they are held, either ready for delivery or buffered behind a gap.
type reliableReceiver struct {
	next     uint32
	held     map[uint32]Message
	ready    []Message
	capacity int
}

func newReliableReceiver(capacity int) *reliableReceiver {
	return &reliableReceiver{
		held:     make(map[uint32]Message),
		capacity: capacity,
	}
}

// accept offers message seq. It reports whether the message should be
// acknowledged: true for new messages that were stored and for duplicates
// of messages already stored or delivered, false when there is no room.
func (r *reliableReceiver) accept(seq uint32, m Message) bool {
	if seqLess32(seq, r.next) {
		return true
	}
	if _, dup := r.held[seq]; dup {
		return true
	}
	if len(r.held)+len(r.ready) >= r.capacity {
		return false
	}

	r.held[seq] = m
	for {
		next, ok := r.held[r.next]
		if !ok {
			break
		}
		delete(r.held, r.next)
		r.ready = append(r.ready, next)
		r.next++
	}
	return true
}

// pop removes the oldest in-order message.
func (r *reliableReceiver) pop() (Message, bool) {
	if len(r.ready) == 0 {
		return Message{}, false
	}
	m := r.ready[0]
	r.ready[0] = Message{}
	r.ready = r.ready[1:]
	return m, true
}

// pending returns the number of messages ready for delivery.
func (r *reliableReceiver) pending() int {
	return len(r.ready)
}

func seqLess32(a, b uint32) bool {
	return int32(a-b) < 0
}
