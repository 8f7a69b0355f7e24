package fragment

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/transport"
)

// Config configures reassembly and reordering.
type Config struct {
	Latency         time.Duration // Lifetime of an incomplete frame from its first fragment (default: 200ms)
	ReorderWindow   time.Duration // Wait for a missing predecessor before skipping it (default: 40ms)
	MaxEntries      int           // Maximum frames under reassembly (default: 64)
	CompletedMemory int           // Finished frame ids remembered to drop stragglers (default: 512)
}

// DefaultConfig returns the default reassembly configuration.
func DefaultConfig() Config {
	return Config{
		Latency:         200 * time.Millisecond,
		ReorderWindow:   40 * time.Millisecond,
		MaxEntries:      64,
		CompletedMemory: 512,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Latency <= 0 {
		return fmt.Errorf("latency must be positive, got %v", c.Latency)
	}
	if c.ReorderWindow < 0 || c.ReorderWindow >= c.Latency {
		return fmt.Errorf("reorder window %v must be in [0, %v)", c.ReorderWindow, c.Latency)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", c.MaxEntries)
	}
	if c.CompletedMemory <= 0 {
		return fmt.Errorf("completed memory must be positive, got %d", c.CompletedMemory)
	}
	return nil
}

// Stats holds reassembly counters.
type Stats struct {
	Completed    uint64 // Frames yielded in order
	Expired      uint64 // Frames discarded at their deadline
	Late         uint64 // Frames discarded because a later frame was already yielded
	Skipped      uint64 // Frame ids given up on by the reorder logic
	Duplicates   uint64 // Duplicate fragments ignored
	Inconsistent uint64 // Fragments rejected for a mismatched count
	Evicted      uint64 // Incomplete frames dropped to respect MaxEntries
}

type entry struct {
	frameID   uint32
	count     uint16
	keyframe  bool
	frags     [][]byte
	received  int
	size      int
	firstSeen time.Time
	deadline  time.Time
}

// Depacketizer reassembles video fragments into encoded units.
//
// Depacketizer is not safe for concurrent use; JitterBuffer serializes
// access to the one it owns.
type Depacketizer struct {
	cfg     Config
	entries map[uint32]*entry

	done      map[uint32]struct{}
	doneOrder []uint32
	doneNext  int

	stats Stats
}

// NewDepacketizer creates a depacketizer.
func NewDepacketizer(cfg Config) (*Depacketizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Depacketizer{
		cfg:       cfg,
		entries:   make(map[uint32]*entry),
		done:      make(map[uint32]struct{}, cfg.CompletedMemory),
		doneOrder: make([]uint32, 0, cfg.CompletedMemory),
	}, nil
}

// Add records one fragment received at now. It returns the encoded unit and
// its deadline when the fragment completes a frame.
func (d *Depacketizer) Add(pkt *transport.Packet, now time.Time) (*video.EncodedUnit, time.Time, error) {
	if pkt == nil || pkt.Count == 0 || pkt.Index >= pkt.Count {
		return nil, time.Time{}, ErrInvalidFragment
	}

	if _, finished := d.done[pkt.FrameID]; finished {
		d.stats.Duplicates++
		return nil, time.Time{}, nil
	}

	e, ok := d.entries[pkt.FrameID]
	if ok && now.After(e.deadline) {
		d.expire(e)
		return nil, time.Time{}, nil
	}

	if !ok {
		if pkt.Count == 1 {
			d.markDone(pkt.FrameID)
			unit := &video.EncodedUnit{
				Payload:   append([]byte(nil), pkt.Payload...),
				FrameID:   pkt.FrameID,
				Keyframe:  pkt.Keyframe(),
				Timestamp: video.PeekTimestamp(pkt.Payload),
			}
			return unit, now.Add(d.cfg.Latency), nil
		}

		if len(d.entries) >= d.cfg.MaxEntries {
			d.Expire(now)
		}
		if len(d.entries) >= d.cfg.MaxEntries {
			d.evictOldest()
		}

		e = &entry{
			frameID:   pkt.FrameID,
			count:     pkt.Count,
			frags:     make([][]byte, pkt.Count),
			firstSeen: now,
			deadline:  now.Add(d.cfg.Latency),
		}
		d.entries[pkt.FrameID] = e
	}

	if pkt.Count != e.count {
		d.stats.Inconsistent++
		return nil, time.Time{}, fmt.Errorf("%w: frame %d has %d fragments, packet says %d",
			ErrInconsistentCount, pkt.FrameID, e.count, pkt.Count)
	}
	if e.frags[pkt.Index] != nil {
		d.stats.Duplicates++
		return nil, time.Time{}, nil
	}

	e.frags[pkt.Index] = append([]byte(nil), pkt.Payload...)
	e.received++
	e.size += len(pkt.Payload)
	if pkt.Keyframe() {
		e.keyframe = true
	}

	if e.received < int(e.count) {
		return nil, time.Time{}, nil
	}

	payload := make([]byte, 0, e.size)
	for _, frag := range e.frags {
		payload = append(payload, frag...)
	}
	delete(d.entries, e.frameID)
	d.markDone(e.frameID)

	return &video.EncodedUnit{
		Payload:   payload,
		FrameID:   e.frameID,
		Keyframe:  e.keyframe,
		Timestamp: video.PeekTimestamp(payload),
	}, e.deadline, nil
}

// Expire discards every entry whose deadline is before now and returns how
// many were removed.
func (d *Depacketizer) Expire(now time.Time) int {
	n := 0
	for _, e := range d.entries {
		if now.After(e.deadline) {
			d.expire(e)
			n++
		}
	}
	return n
}

// Pending returns the number of frames under reassembly.
func (d *Depacketizer) Pending() int {
	return len(d.entries)
}

// Stats returns a copy of the counters.
func (d *Depacketizer) Stats() Stats {
	return d.stats
}

func (d *Depacketizer) expire(e *entry) {
	delete(d.entries, e.frameID)
	d.markDone(e.frameID)
	d.stats.Expired++

	logrus.WithFields(logrus.Fields{
		"function": "Depacketizer.expire",
		"frame_id": e.frameID,
		"received": e.received,
		"count":    e.count,
	}).Debug("Discarding incomplete frame past deadline")
}

func (d *Depacketizer) evictOldest() {
	var oldest *entry
	for _, e := range d.entries {
		if oldest == nil || e.deadline.Before(oldest.deadline) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	delete(d.entries, oldest.frameID)
	d.markDone(oldest.frameID)
	d.stats.Evicted++

	logrus.WithFields(logrus.Fields{
		"function": "Depacketizer.evictOldest",
		"frame_id": oldest.frameID,
		"entries":  d.cfg.MaxEntries,
	}).Warn("Reassembly table full, evicting oldest frame")
}

// markDone remembers a finished frame id in a fixed-size ring.
func (d *Depacketizer) markDone(id uint32) {
	if len(d.doneOrder) < d.cfg.CompletedMemory {
		d.doneOrder = append(d.doneOrder, id)
	} else {
		delete(d.done, d.doneOrder[d.doneNext])
		d.doneOrder[d.doneNext] = id
		d.doneNext = (d.doneNext + 1) % d.cfg.CompletedMemory
	}
	d.done[id] = struct{}{}
}
