package av

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/interfaces"
)

// QualityConfig defines adaptation algorithm parameters.
type QualityConfig struct {
	// Monitoring
	Interval      time.Duration // Evaluation period (default: 250ms)
	SustainWindow time.Duration // Conditions must hold this long before acting (default: 500ms)
	MinDwell      time.Duration // Minimum time between bit rate changes (default: 1s)

	// Thresholds
	HighLoss     float64 // Loss rate that triggers a decrease (default: 0.05)
	LowLoss      float64 // Loss rate at or below which increases are allowed (default: 0.01)
	LowOccupancy float64 // Frame queue fill level allowing increases (default: 0.5)

	// Bit rate limits and steps (AIMD)
	InitialBitrate uint32  // Starting target (default: 4 Mbps)
	MinBitrate     uint32  // Lower bound (default: 250 kbps)
	MaxBitrate     uint32  // Upper bound (default: 8 Mbps)
	DecreaseFactor float64 // Multiplicative decrease (default: 0.8)
	IncreaseStep   uint32  // Additive increase (default: 250 kbps)

	// Frame dropping
	DropStep     float64 // Drop ratio change per adjustment (default: 0.1)
	MaxDropRatio float64 // Upper bound on the drop ratio (default: 0.5)
}

// DefaultQualityConfig returns the default adaptation configuration.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Interval:       250 * time.Millisecond,
		SustainWindow:  500 * time.Millisecond,
		MinDwell:       time.Second,
		HighLoss:       0.05,
		LowLoss:        0.01,
		LowOccupancy:   0.5,
		InitialBitrate: 4_000_000,
		MinBitrate:     250_000,
		MaxBitrate:     8_000_000,
		DecreaseFactor: 0.8,
		IncreaseStep:   250_000,
		DropStep:       0.1,
		MaxDropRatio:   0.5,
	}
}

// Validate checks the configuration for consistency.
func (c QualityConfig) Validate() error {
	if c.Interval <= 0 || c.SustainWindow < 0 || c.MinDwell < 0 {
		return fmt.Errorf("quality intervals must be positive")
	}
	if c.LowLoss > c.HighLoss {
		return fmt.Errorf("low loss %v exceeds high loss %v", c.LowLoss, c.HighLoss)
	}
	if c.MinBitrate == 0 || c.MinBitrate > c.MaxBitrate {
		return fmt.Errorf("%w: min %d, max %d", ErrInvalidBitRate, c.MinBitrate, c.MaxBitrate)
	}
	if c.InitialBitrate < c.MinBitrate || c.InitialBitrate > c.MaxBitrate {
		return fmt.Errorf("%w: initial %d outside [%d, %d]", ErrInvalidBitRate, c.InitialBitrate, c.MinBitrate, c.MaxBitrate)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		return fmt.Errorf("decrease factor must be in (0, 1), got %v", c.DecreaseFactor)
	}
	if c.MaxDropRatio < 0 || c.MaxDropRatio >= 1 || c.DropStep < 0 {
		return fmt.Errorf("drop ratio settings out of range")
	}
	return nil
}

// QualityInputs are the measurements sampled every interval.
type QualityInputs struct {
	Loss      float64       // Session loss estimate in [0,1]
	RTT       time.Duration // Smoothed round trip time
	Occupancy float64       // Frame queue fill level in [0,1]
}

// QualityController turns network and queue measurements into Tunables.
//
// It follows an AIMD scheme: the bit rate backs off multiplicatively once
// loss stays high for SustainWindow and probes upward additively once loss
// and queue occupancy stay low. MinDwell separates consecutive changes.
type QualityController struct {
	cfg   QualityConfig
	store *TunablesStore
	clock interfaces.TimeProvider

	mu         sync.Mutex
	highSince  time.Time
	lowSince   time.Time
	lastChange time.Time
	peerCap    uint32
	onChange   func(Tunables)

	decreases uint64
	increases uint64
}

// NewQualityController creates a controller starting at InitialBitrate.
func NewQualityController(cfg QualityConfig) (*QualityController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewQualityController",
		"initial_bps": cfg.InitialBitrate,
		"interval":    cfg.Interval,
	}).Info("Creating quality controller")

	return &QualityController{
		cfg:   cfg,
		store: NewTunablesStore(Tunables{TargetBitrate: cfg.InitialBitrate}),
		clock: interfaces.DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider replaces the clock used by Run.
func (q *QualityController) SetTimeProvider(tp interfaces.TimeProvider) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = tp
}

// OnChange registers fn to be called with every published snapshot.
func (q *QualityController) OnChange(fn func(Tunables)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// Tunables returns the current snapshot.
func (q *QualityController) Tunables() Tunables {
	return q.store.Load()
}

// Update evaluates one interval of measurements at now and reports whether
// a new snapshot was published.
func (q *QualityController) Update(in QualityInputs, now time.Time) (Tunables, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.store.Load()
	next := cur
	high := in.Loss > q.cfg.HighLoss
	low := in.Loss <= q.cfg.LowLoss && in.Occupancy <= q.cfg.LowOccupancy

	switch {
	case high:
		q.lowSince = time.Time{}
		if q.highSince.IsZero() {
			q.highSince = now
		}
		if now.Sub(q.highSince) >= q.cfg.SustainWindow && q.dwellElapsed(now) {
			next.TargetBitrate = q.decrease(cur.TargetBitrate)
			next.DropRatio = min(cur.DropRatio+q.cfg.DropStep, q.cfg.MaxDropRatio)
		}
	case low:
		q.highSince = time.Time{}
		if q.lowSince.IsZero() {
			q.lowSince = now
		}
		if now.Sub(q.lowSince) >= q.cfg.SustainWindow && q.dwellElapsed(now) {
			next.TargetBitrate = q.increase(cur.TargetBitrate)
			next.DropRatio = max(cur.DropRatio-q.cfg.DropStep, 0)
		}
	default:
		q.highSince = time.Time{}
		q.lowSince = time.Time{}
	}

	if next.TargetBitrate == cur.TargetBitrate && next.DropRatio == cur.DropRatio {
		return cur, false
	}

	q.lastChange = now
	if next.TargetBitrate < cur.TargetBitrate {
		q.decreases++
	} else if next.TargetBitrate > cur.TargetBitrate {
		q.increases++
	}

	logrus.WithFields(logrus.Fields{
		"function":   "QualityController.Update",
		"loss":       in.Loss,
		"rtt_ms":     in.RTT.Milliseconds(),
		"occupancy":  in.Occupancy,
		"old_bps":    cur.TargetBitrate,
		"new_bps":    next.TargetBitrate,
		"drop_ratio": next.DropRatio,
	}).Info("Quality adapted")

	return q.publishLocked(next), true
}

func (q *QualityController) dwellElapsed(now time.Time) bool {
	return q.lastChange.IsZero() || now.Sub(q.lastChange) >= q.cfg.MinDwell
}

func (q *QualityController) decrease(bps uint32) uint32 {
	next := uint32(float64(bps) * q.cfg.DecreaseFactor)
	if next >= bps && bps > 0 {
		next = bps - 1
	}
	if next < q.cfg.MinBitrate {
		next = q.cfg.MinBitrate
	}
	return next
}

func (q *QualityController) increase(bps uint32) uint32 {
	next := uint64(bps) + uint64(q.cfg.IncreaseStep)
	if ceiling := uint64(q.ceilingLocked()); next > ceiling {
		next = ceiling
	}
	if next < uint64(bps) {
		// The peer cap dropped below the current rate; SetPeerCap already
		// clamped it, so hold.
		return bps
	}
	return uint32(next)
}

func (q *QualityController) ceilingLocked() uint32 {
	if q.peerCap > 0 && q.peerCap < q.cfg.MaxBitrate {
		return q.peerCap
	}
	return q.cfg.MaxBitrate
}

// SetPeerCap applies a bit rate cap negotiated by the viewer. Zero removes
// the cap. A cap below the current target takes effect at once.
func (q *QualityController) SetPeerCap(bps uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.peerCap = bps
	cur := q.store.Load()
	ceiling := q.ceilingLocked()
	if ceiling < q.cfg.MinBitrate {
		ceiling = q.cfg.MinBitrate
	}

	logrus.WithFields(logrus.Fields{
		"function": "QualityController.SetPeerCap",
		"cap_bps":  bps,
	}).Info("Peer bit rate cap received")

	if cur.TargetBitrate > ceiling {
		cur.TargetBitrate = ceiling
		q.publishLocked(cur)
	}
}

// RequestKeyframe advances the keyframe epoch. It is called for
// corruption reports from the viewer and when the session recovers from
// Degraded.
func (q *QualityController) RequestKeyframe(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.store.Load()
	cur.KeyframeEpoch++

	logrus.WithFields(logrus.Fields{
		"function": "QualityController.RequestKeyframe",
		"reason":   reason,
		"epoch":    cur.KeyframeEpoch,
	}).Debug("Forcing keyframe")

	q.publishLocked(cur)
}

func (q *QualityController) publishLocked(t Tunables) Tunables {
	t = q.store.Publish(t)
	if q.onChange != nil {
		q.onChange(t)
	}
	return t
}

// Run samples inputs every Interval until ctx ends.
func (q *QualityController) Run(ctx context.Context, sample func() QualityInputs) error {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.mu.Lock()
			now := q.clock.Now()
			q.mu.Unlock()
			q.Update(sample(), now)
		}
	}
}

// Adjustments returns how many decreases and increases were applied.
func (q *QualityController) Adjustments() (decreases, increases uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.decreases, q.increases
}
