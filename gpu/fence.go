package gpu

import (
	"context"
	"sync"
)

// Fence is a one-shot completion signal for submitted device work.
type Fence struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFence creates an unsignaled fence.
func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// SignaledFence creates a fence that is already complete with err.
func SignaledFence(err error) *Fence {
	f := NewFence()
	f.Signal(err)
	return f
}

// Signal completes the fence. Only the first call has an effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the fence is signaled.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Signaled reports whether the fence has completed.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. Only meaningful once Done is closed.
func (f *Fence) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the fence is signaled or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
