package gpu

import (
	"context"
	"sync/atomic"
)

// Lease transfers exclusive ownership of an arena buffer between stages.
// The holder must wait on the fence before touching the buffer contents and
// must call Release exactly when it no longer needs the buffer.
type Lease struct {
	arena    *Arena
	handle   Handle
	fence    *Fence
	released atomic.Bool
}

// NewLease wraps a live handle and the fence guarding its contents.
func NewLease(arena *Arena, handle Handle, fence *Fence) *Lease {
	if fence == nil {
		fence = SignaledFence(nil)
	}
	return &Lease{arena: arena, handle: handle, fence: fence}
}

// Handle returns the leased buffer handle.
func (l *Lease) Handle() Handle {
	return l.handle
}

// Fence returns the completion fence of the work producing the buffer.
func (l *Lease) Fence() *Fence {
	return l.fence
}

// Wait blocks until the buffer contents are ready.
func (l *Lease) Wait(ctx context.Context) error {
	return l.fence.Wait(ctx)
}

// Buffer resolves the leased buffer. Callers must Wait first.
func (l *Lease) Buffer() (*Buffer, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.arena.Get(l.handle)
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Release returns the buffer to its arena. Subsequent calls are no-ops.
// If the producing work is still in flight the slot is freed once the fence
// signals, so the device never writes into a recycled buffer.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.fence.Signaled() {
		_ = l.arena.Free(l.handle)
		return
	}
	go func() {
		<-l.fence.Done()
		_ = l.arena.Free(l.handle)
	}()
}
