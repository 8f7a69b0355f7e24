package av

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/video"
)

// DropPolicy decides which frames a full or throttled FrameQueue discards.
type DropPolicy interface {
	// skip reports whether the n-th pushed frame (1-based) is discarded
	// before it is queued.
	skip(n uint64) bool
	String() string
}

// DropOldest evicts the oldest queued frame when the queue is full.
type DropOldest struct{}

func (DropOldest) skip(uint64) bool { return false }

// String returns the policy name.
func (DropOldest) String() string { return "drop-oldest" }

// SkipNth discards every N-th pushed frame and otherwise behaves like
// DropOldest. N below 2 never skips.
type SkipNth struct {
	N int
}

func (p SkipNth) skip(n uint64) bool {
	return p.N >= 2 && n%uint64(p.N) == 0
}

// String returns the policy name.
func (p SkipNth) String() string { return fmt.Sprintf("skip-every-%d", p.N) }

// QueueStats is a snapshot of FrameQueue counters.
type QueueStats struct {
	Pushed   uint64
	Popped   uint64
	Dropped  uint64 // Evicted because the queue was full
	Skipped  uint64 // Discarded by the policy
	Rejected uint64 // Non-increasing sequence ids
	Len      int
	Capacity int
}

// FrameQueue is a bounded FIFO between capture and encode. Push never
// blocks and takes ownership of the frame: frames that are not delivered
// are released to their arena.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []*video.Frame
	capacity int
	policy   DropPolicy
	lastSeq  uint32
	hasSeq   bool
	closed   bool
	stats    QueueStats

	notify chan struct{}
	done   chan struct{}
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int, policy DropPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == nil {
		policy = DropOldest{}
	}
	return &FrameQueue{
		frames:   make([]*video.Frame, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetPolicy replaces the drop policy for subsequent pushes.
func (q *FrameQueue) SetPolicy(policy DropPolicy) {
	if policy == nil {
		policy = DropOldest{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.policy != policy {
		logrus.WithFields(logrus.Fields{
			"function": "FrameQueue.SetPolicy",
			"policy":   policy.String(),
		}).Debug("Frame queue drop policy changed")
	}
	q.policy = policy
}

// Push enqueues f. It returns ErrQueueClosed after Close and
// ErrSequenceNotIncreasing for a stale sequence id; f is released in both
// cases.
func (q *FrameQueue) Push(f *video.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		f.Release()
		return ErrQueueClosed
	}
	if q.hasSeq && f.Seq <= q.lastSeq {
		q.stats.Rejected++
		f.Release()
		return fmt.Errorf("%w: %d after %d", ErrSequenceNotIncreasing, f.Seq, q.lastSeq)
	}
	q.lastSeq, q.hasSeq = f.Seq, true
	q.stats.Pushed++

	if q.policy.skip(q.stats.Pushed) {
		q.stats.Skipped++
		f.Release()
		return nil
	}

	if len(q.frames) == q.capacity {
		oldest := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		oldest.Release()
		q.stats.Dropped++

		logrus.WithFields(logrus.Fields{
			"function": "FrameQueue.Push",
			"dropped":  oldest.Seq,
			"capacity": q.capacity,
		}).Debug("Frame queue full, dropped oldest frame")
	}
	q.frames = append(q.frames, f)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a frame is available, the queue is closed or ctx ends.
func (q *FrameQueue) Pop(ctx context.Context) (*video.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.stats.Popped++
			if len(q.frames) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes blocked poppers and releases queued frames.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	frames := q.frames
	q.frames = nil
	close(q.done)
	q.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Occupancy returns the fill level in [0,1].
func (q *FrameQueue) Occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.frames)) / float64(q.capacity)
}

// Stats returns a snapshot of the queue counters.
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = len(q.frames)
	s.Capacity = q.capacity
	return s
}
