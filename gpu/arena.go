package gpu

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handle addresses a buffer slot in an Arena. The generation guards against a
// freed slot being reached through an old handle.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h is the zero handle, which never addresses a buffer.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

// String returns a printable form of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.generation)
}

type slot struct {
	buf        *Buffer
	generation uint32
	inUse      bool
}

// Arena is a bounded pool of reusable buffers addressed by index. Slot memory
// is kept after Free and recycled when the next allocation has the same size.
type Arena struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	max   int
}

// NewArena creates an arena holding at most maxSlots live buffers.
func NewArena(maxSlots int) *Arena {
	if maxSlots <= 0 {
		maxSlots = 32
	}
	return &Arena{
		slots: make([]slot, 0, maxSlots),
		max:   maxSlots,
	}
}

// Allocate reserves a buffer matching desc and returns its handle.
func (a *Arena) Allocate(desc Desc) (Handle, error) {
	if err := desc.Validate(); err != nil {
		return Handle{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var index uint32
	switch {
	case len(a.free) > 0:
		index = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.slots) < a.max:
		a.slots = append(a.slots, slot{})
		index = uint32(len(a.slots) - 1)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Arena.Allocate",
			"desc":     desc.String(),
			"slots":    a.max,
		}).Warn("Buffer arena exhausted")
		return Handle{}, fmt.Errorf("%w: %d slots in use", ErrArenaExhausted, a.max)
	}

	s := &a.slots[index]
	size := desc.Size()
	if s.buf == nil || cap(s.buf.Pix) < size {
		s.buf = &Buffer{Pix: make([]byte, size)}
	}
	s.buf.Desc = desc
	s.buf.Pix = s.buf.Pix[:size]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.inUse = true

	return Handle{index: index, generation: s.generation}, nil
}

// Get resolves a live handle to its buffer.
func (a *Arena) Get(h Handle) (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.buf, nil
}

// Free returns the slot behind h to the arena. Freeing a stale handle fails.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.inUse = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	a.free = append(a.free, h.index)
	return nil
}

// InUse returns the number of live allocations.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}

// Capacity returns the maximum number of live allocations.
func (a *Arena) Capacity() int {
	return a.max
}

func (a *Arena) lookup(h Handle) (*slot, error) {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &a.slots[h.index]
	if !s.inUse || s.generation != h.generation {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return s, nil
}
