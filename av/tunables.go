package av

import (
	"math"
	"sync/atomic"
)

// Tunables is one consistent set of quality parameters published by the
// QualityController. Readers always see a whole snapshot.
type Tunables struct {
	Version       uint64
	TargetBitrate uint32  // Encoder target in bits per second
	DropRatio     float64 // Fraction of captured frames to skip, in [0,1)
	KeyframeEpoch uint64  // Incremented to request a keyframe
}

// DropPolicy returns the frame queue policy realizing DropRatio.
func (t Tunables) DropPolicy() DropPolicy {
	if t.DropRatio <= 0 {
		return DropOldest{}
	}
	n := int(math.Round(1 / t.DropRatio))
	if n < 2 {
		n = 2
	}
	return SkipNth{N: n}
}

// TunablesStore holds the current snapshot behind an atomic pointer.
type TunablesStore struct {
	current atomic.Pointer[Tunables]
}

// NewTunablesStore creates a store publishing initial as version 1.
func NewTunablesStore(initial Tunables) *TunablesStore {
	s := &TunablesStore{}
	initial.Version = 1
	s.current.Store(&initial)
	return s
}

// Load returns the current snapshot.
func (s *TunablesStore) Load() Tunables {
	return *s.current.Load()
}

// Publish stores t as the next version and returns it. Only one goroutine
// may publish.
func (s *TunablesStore) Publish(t Tunables) Tunables {
	t.Version = s.current.Load().Version + 1
	s.current.Store(&t)
	return t
}
