package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Command is a unit of device work. It runs on the device timeline.
type Command func() error

// Device accepts asynchronous work and owns the arena its buffers live in.
type Device interface {
	// Arena returns the buffer arena owned by the device.
	Arena() *Arena
	// Submit queues cmd and returns a fence signaled after it ran.
	Submit(cmd Command) (*Fence, error)
	// Lost reports whether the device has been lost.
	Lost() bool
	// Close stops the device after draining queued work.
	Close() error
}

// DeviceFactory creates a fresh device, used when a pipeline is rebuilt
// after a resource failure.
type DeviceFactory func() (Device, error)

// DeviceConfig configures a SoftwareDevice.
type DeviceConfig struct {
	QueueDepth int // Maximum queued commands (default: 64)
	ArenaSlots int // Maximum live buffers (default: 32)
}

// DefaultDeviceConfig returns the default software device configuration.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		QueueDepth: 64,
		ArenaSlots: 32,
	}
}

type submission struct {
	cmd   Command
	fence *Fence
}

// SoftwareDevice executes commands in submission order on one goroutine.
type SoftwareDevice struct {
	arena *Arena
	queue chan submission
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	lost   atomic.Bool

	executed atomic.Uint64
}

// NewSoftwareDevice starts a software device.
func NewSoftwareDevice(cfg DeviceConfig) *SoftwareDevice {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultDeviceConfig().QueueDepth
	}
	if cfg.ArenaSlots <= 0 {
		cfg.ArenaSlots = DefaultDeviceConfig().ArenaSlots
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSoftwareDevice",
		"queue_depth": cfg.QueueDepth,
		"arena_slots": cfg.ArenaSlots,
	}).Info("Creating software GPU device")

	d := &SoftwareDevice{
		arena: NewArena(cfg.ArenaSlots),
		queue: make(chan submission, cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// SoftwareDeviceFactory returns a DeviceFactory producing software devices.
func SoftwareDeviceFactory(cfg DeviceConfig) DeviceFactory {
	return func() (Device, error) {
		return NewSoftwareDevice(cfg), nil
	}
}

// Arena returns the device buffer arena.
func (d *SoftwareDevice) Arena() *Arena {
	return d.arena
}

// Submit queues cmd without waiting for it to run.
func (d *SoftwareDevice) Submit(cmd Command) (*Fence, error) {
	if cmd == nil {
		return nil, errors.New("command cannot be nil")
	}
	if d.lost.Load() {
		return nil, ErrDeviceLost
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	fence := NewFence()
	select {
	case d.queue <- submission{cmd: cmd, fence: fence}:
		return fence, nil
	default:
		return nil, ErrDeviceBusy
	}
}

// Lost reports whether Lose has been called.
func (d *SoftwareDevice) Lost() bool {
	return d.lost.Load()
}

// Lose simulates device removal. Queued and future work fails with ErrDeviceLost.
func (d *SoftwareDevice) Lose() {
	if d.lost.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "SoftwareDevice.Lose",
			"executed": d.executed.Load(),
		}).Warn("GPU device lost")
	}
}

// Executed returns the number of commands that ran successfully.
func (d *SoftwareDevice) Executed() uint64 {
	return d.executed.Load()
}

// Close drains queued work and stops the device goroutine.
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	logrus.WithFields(logrus.Fields{
		"function": "SoftwareDevice.Close",
		"executed": d.executed.Load(),
	}).Info("Software GPU device closed")
	return nil
}

func (d *SoftwareDevice) run() {
	defer close(d.done)
	for sub := range d.queue {
		d.execute(sub)
	}
}

func (d *SoftwareDevice) execute(sub submission) {
	if d.lost.Load() {
		sub.fence.Signal(ErrDeviceLost)
		return
	}

	err := sub.cmd()
	if d.lost.Load() {
		err = ErrDeviceLost
	}
	if err == nil {
		d.executed.Add(1)
	}
	sub.fence.Signal(err)
}

// Upload allocates a buffer on d and schedules a copy of pix into it. The
// returned lease is ready once its fence signals.
func Upload(d Device, desc Desc, pix []byte) (*Lease, error) {
	if len(pix) != desc.Size() {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrInvalidDesc, len(pix), desc)
	}

	arena := d.Arena()
	handle, err := arena.Allocate(desc)
	if err != nil {
		return nil, err
	}

	data := append([]byte(nil), pix...)
	fence, err := d.Submit(func() error {
		buf, err := arena.Get(handle)
		if err != nil {
			return err
		}
		copy(buf.Pix, data)
		return nil
	})
	if err != nil {
		_ = arena.Free(handle)
		return nil, err
	}
	return NewLease(arena, handle, fence), nil
}
