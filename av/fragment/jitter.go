package fragment

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/transport"
)

// seqLess reports whether a precedes b in wrap-around frame id order.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

type readyUnit struct {
	unit     *video.EncodedUnit
	ready    time.Time
	deadline time.Time
}

// JitterBuffer reorders reassembled frames and releases them in frame id
// order. It is safe for one producer (Push) and one consumer (Pop or Next)
// running concurrently.
type JitterBuffer struct {
	cfg   Config
	clock interfaces.TimeProvider

	mu      sync.Mutex
	depack  *Depacketizer
	ready   map[uint32]*readyUnit
	started bool
	last    uint32
	closed  bool
	stats   Stats

	notify chan struct{}
	done   chan struct{}
}

// NewJitterBuffer creates a jitter buffer.
func NewJitterBuffer(cfg Config) (*JitterBuffer, error) {
	depack, err := NewDepacketizer(cfg)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewJitterBuffer",
		"latency":        cfg.Latency.String(),
		"reorder_window": cfg.ReorderWindow.String(),
		"max_entries":    cfg.MaxEntries,
	}).Info("Creating jitter buffer")

	return &JitterBuffer{
		cfg:    cfg,
		clock:  interfaces.DefaultTimeProvider{},
		depack: depack,
		ready:  make(map[uint32]*readyUnit),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// SetTimeProvider sets the clock used by Push and Next.
func (j *JitterBuffer) SetTimeProvider(tp interfaces.TimeProvider) {
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	j.mu.Lock()
	j.clock = tp
	j.mu.Unlock()
}

// Push adds a fragment received now.
func (j *JitterBuffer) Push(pkt *transport.Packet) error {
	j.mu.Lock()
	now := j.clock.Now()
	j.mu.Unlock()
	return j.PushAt(pkt, now)
}

// PushAt adds a fragment received at now.
func (j *JitterBuffer) PushAt(pkt *transport.Packet, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.started && !seqLess(j.last, pkt.FrameID) {
		j.stats.Late++
		return nil
	}

	unit, deadline, err := j.depack.Add(pkt, now)
	if err != nil || unit == nil {
		return err
	}
	if j.started && !seqLess(j.last, unit.FrameID) {
		j.stats.Late++
		return nil
	}

	j.ready[unit.FrameID] = &readyUnit{unit: unit, ready: now, deadline: deadline}
	select {
	case j.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next unit that may be released at now, or nil.
func (j *JitterBuffer) Pop(now time.Time) *video.EncodedUnit {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pop(now)
}

func (j *JitterBuffer) pop(now time.Time) *video.EncodedUnit {
	j.depack.Expire(now)
	for id, r := range j.ready {
		if now.After(r.deadline) {
			delete(j.ready, id)
			j.stats.Expired++
		}
	}
	if len(j.ready) == 0 {
		return nil
	}

	head := j.head()
	r := j.ready[head]

	if j.started {
		expected := j.last + 1
		if head != expected && now.Sub(r.ready) < j.cfg.ReorderWindow {
			return nil
		}
		if head != expected {
			j.stats.Skipped += uint64(head - expected)
			logrus.WithFields(logrus.Fields{
				"function": "JitterBuffer.pop",
				"expected": expected,
				"head":     head,
			}).Debug("Skipping missing frames")
		}
	} else if j.pendingBefore(head) && now.Sub(r.ready) < j.cfg.ReorderWindow {
		return nil
	}

	delete(j.ready, head)
	j.started = true
	j.last = head
	j.stats.Completed++
	return r.unit
}

// head returns the earliest ready frame id. ready must not be empty.
func (j *JitterBuffer) head() uint32 {
	first := true
	var min uint32
	for id := range j.ready {
		if first || seqLess(id, min) {
			min = id
			first = false
		}
	}
	return min
}

// pendingBefore reports whether a frame earlier than id is still being
// reassembled.
func (j *JitterBuffer) pendingBefore(id uint32) bool {
	for pid := range j.depack.entries {
		if seqLess(pid, id) {
			return true
		}
	}
	return false
}

// Next blocks until a unit can be released, ctx is done or the buffer is
// closed.
func (j *JitterBuffer) Next(ctx context.Context) (*video.EncodedUnit, error) {
	for {
		j.mu.Lock()
		if j.closed {
			j.mu.Unlock()
			return nil, ErrClosed
		}
		unit := j.pop(j.clock.Now())
		waiting := len(j.ready) > 0
		j.mu.Unlock()

		if unit != nil {
			return unit, nil
		}

		var timer *time.Timer
		var tick <-chan time.Time
		if waiting {
			timer = time.NewTimer(j.pollInterval())
			tick = timer.C
		}

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-j.done:
			err = ErrClosed
		case <-j.notify:
		case <-tick:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (j *JitterBuffer) pollInterval() time.Duration {
	d := j.cfg.ReorderWindow / 4
	if d < 2*time.Millisecond {
		d = 2 * time.Millisecond
	}
	return d
}

// Close releases any blocked Next call. Further pushes fail with ErrClosed.
func (j *JitterBuffer) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	close(j.done)
}

// Stats returns reassembly and reordering counters.
func (j *JitterBuffer) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := j.depack.Stats()
	s.Completed = j.stats.Completed
	s.Expired += j.stats.Expired
	s.Late = j.stats.Late
	s.Skipped = j.stats.Skipped
	return s
}

// Buffered returns the number of complete frames waiting for release.
func (j *JitterBuffer) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ready)
}
