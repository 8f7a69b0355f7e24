package av

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/deskstream/gpu"
)

// Presentation is a decoded RGBA frame waiting to be shown.
type Presentation struct {
	Lease     *gpu.Lease
	FrameID   uint32
	Timestamp time.Time
}

// Mailbox is the single-slot handoff between decode and presentation. A
// new frame replaces one that was never taken, so a slow presenter sees
// the latest frame and never blocks the decoder.
type Mailbox struct {
	mu      sync.Mutex
	slot    *Presentation
	closed  bool
	dropped uint64

	notify chan struct{}
	done   chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put stores p, releasing any frame it replaces. After Close, p is
// released and ErrPipelineStopped returned.
func (m *Mailbox) Put(p Presentation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.Lease.Release()
		return ErrPipelineStopped
	}
	old := m.slot
	m.slot = &p
	if old != nil {
		m.dropped++
	}
	m.mu.Unlock()

	if old != nil {
		old.Lease.Release()
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Take blocks for the next frame.
func (m *Mailbox) Take(ctx context.Context) (Presentation, error) {
	for {
		m.mu.Lock()
		if m.slot != nil {
			p := *m.slot
			m.slot = nil
			m.mu.Unlock()
			return p, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Presentation{}, ErrPipelineStopped
		}

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return Presentation{}, ctx.Err()
		}
	}
}

// Dropped returns how many frames were replaced before presentation.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close releases a pending frame and wakes Take.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.slot
	m.slot = nil
	close(m.done)
	m.mu.Unlock()

	if pending != nil {
		pending.Lease.Release()
	}
}
