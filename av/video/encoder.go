package video

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	BitRate          uint32 // Target bits per second (default: 4 Mbps)
	FrameRate        int    // Nominal frames per second for rate control (default: 30)
	KeyframeInterval int    // Frames between periodic keyframes, 0 disables (default: 120)
	MinQuantizer     int    // Finest quantizer, 1 is lossless (default: 1)
	MaxQuantizer     int    // Coarsest quantizer (default: 48)
	InitialQuantizer int    // Quantizer for the first frame (default: 4)
}

// DefaultEncoderConfig returns the default encoder configuration.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		BitRate:          4_000_000,
		FrameRate:        30,
		KeyframeInterval: 120,
		MinQuantizer:     1,
		MaxQuantizer:     48,
		InitialQuantizer: 4,
	}
}

// Validate checks the configuration.
func (c EncoderConfig) Validate() error {
	if c.BitRate == 0 {
		return ErrInvalidBitRate
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %d", c.FrameRate)
	}
	if c.KeyframeInterval < 0 {
		return fmt.Errorf("keyframe interval cannot be negative, got %d", c.KeyframeInterval)
	}
	if c.MinQuantizer < 1 || c.MaxQuantizer > 255 || c.MinQuantizer > c.MaxQuantizer {
		return fmt.Errorf("invalid quantizer range [%d, %d]", c.MinQuantizer, c.MaxQuantizer)
	}
	if c.InitialQuantizer < c.MinQuantizer || c.InitialQuantizer > c.MaxQuantizer {
		return fmt.Errorf("initial quantizer %d outside [%d, %d]",
			c.InitialQuantizer, c.MinQuantizer, c.MaxQuantizer)
	}
	return nil
}

// EncoderStats is a snapshot of encoder counters.
type EncoderStats struct {
	Frames       uint64
	Keyframes    uint64
	Bytes        uint64
	Quantizer    int
	BitRate      uint32
	LastDuration time.Duration
}

// Encoder compresses I420 frames into dsv1 units.
//
// Intra frames quantize each sample; inter frames quantize the residual
// against the encoder's own reconstruction of the previous frame, so encoder
// and decoder references stay identical. Both are compressed with zstd.
//
// Encode must be called from a single goroutine. SetBitRate and
// RequestKeyframe may be called from any goroutine; they are recorded as
// pending and applied at the start of the next Encode.
type Encoder struct {
	cfg EncoderConfig
	zw  *zstd.Encoder

	mu              sync.Mutex
	pendingBitRate  uint32
	pendingKeyframe bool
	closed          bool

	bitRate   uint32
	quantizer int
	reference []byte
	refWidth  int
	refHeight int
	refID     uint32
	sinceKey  int
	scratch   []byte
	stats     EncoderStats
}

// NewEncoder creates an encoder.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecInit, err)
	}

	zw, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecInit, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "NewEncoder",
		"codec":             CodecName,
		"bit_rate":          cfg.BitRate,
		"frame_rate":        cfg.FrameRate,
		"keyframe_interval": cfg.KeyframeInterval,
	}).Info("Creating video encoder")

	return &Encoder{
		cfg:       cfg,
		zw:        zw,
		bitRate:   cfg.BitRate,
		quantizer: cfg.InitialQuantizer,
	}, nil
}

// SetBitRate records a new target bit rate, applied at the next Encode.
func (e *Encoder) SetBitRate(bitRate uint32) error {
	if bitRate == 0 {
		return ErrInvalidBitRate
	}
	e.mu.Lock()
	e.pendingBitRate = bitRate
	e.mu.Unlock()
	return nil
}

// RequestKeyframe makes the next encoded frame a keyframe.
func (e *Encoder) RequestKeyframe() {
	e.mu.Lock()
	e.pendingKeyframe = true
	e.mu.Unlock()
}

// Encode compresses frame. forceKeyframe makes it a keyframe regardless of
// the reference state.
func (e *Encoder) Encode(frame Planes, frameID uint32, ts time.Time, forceKeyframe bool) (*EncodedUnit, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEncoderClosed
	}
	if e.pendingBitRate != 0 {
		if e.pendingBitRate != e.bitRate {
			logrus.WithFields(logrus.Fields{
				"function":     "Encoder.Encode",
				"old_bit_rate": e.bitRate,
				"new_bit_rate": e.pendingBitRate,
			}).Debug("Applying pending bit rate")
		}
		e.bitRate = e.pendingBitRate
		e.pendingBitRate = 0
	}
	requested := e.pendingKeyframe
	e.pendingKeyframe = false
	e.mu.Unlock()

	start := time.Now()
	keyframe := forceKeyframe || requested ||
		e.reference == nil ||
		frame.Width != e.refWidth || frame.Height != e.refHeight ||
		(e.cfg.KeyframeInterval > 0 && e.sinceKey >= e.cfg.KeyframeInterval)

	q := e.quantizer
	n := planeSize(frame.Width, frame.Height)
	if cap(e.scratch) < n {
		e.scratch = make([]byte, n)
	}
	coded := e.scratch[:n]
	if len(e.reference) != n {
		e.reference = make([]byte, n)
	}

	e.codePlanes(frame, coded, keyframe, q)

	hdr := unitHeader{
		Keyframe:  keyframe,
		Width:     frame.Width,
		Height:    frame.Height,
		Quantizer: q,
		FrameID:   frameID,
		RefID:     e.refID,
		Timestamp: ts,
	}
	payload := hdr.marshal(make([]byte, 0, HeaderSize+n/4))
	payload = e.zw.EncodeAll(coded, payload)

	e.refWidth, e.refHeight = frame.Width, frame.Height
	e.refID = frameID
	if keyframe {
		e.sinceKey = 1
		e.stats.Keyframes++
	} else {
		e.sinceKey++
	}
	e.adjustQuantizer(len(payload))

	e.stats.Frames++
	e.stats.Bytes += uint64(len(payload))
	e.stats.LastDuration = time.Since(start)

	logrus.WithFields(logrus.Fields{
		"function":  "Encoder.Encode",
		"frame_id":  frameID,
		"keyframe":  keyframe,
		"quantizer": q,
		"size":      len(payload),
	}).Debug("Encoded frame")

	return &EncodedUnit{
		Payload:   payload,
		FrameID:   frameID,
		Keyframe:  keyframe,
		Timestamp: ts,
	}, nil
}

// codePlanes fills coded with quantizer indices (intra) or residual codes
// (inter) and updates the reconstructed reference in place.
func (e *Encoder) codePlanes(frame Planes, coded []byte, keyframe bool, q int) {
	ref := e.reference
	off := 0
	for _, plane := range [][]byte{frame.Y, frame.U, frame.V} {
		for i, v := range plane {
			j := off + i
			if keyframe {
				idx := quantizeIntra(v, q)
				coded[j] = idx
				ref[j] = reconstructIntra(idx, q)
			} else {
				code := quantizeResidual(v, ref[j], q)
				coded[j] = code
				ref[j] = reconstructResidual(code, ref[j], q)
			}
		}
		off += len(plane)
	}
}

// adjustQuantizer steers the quantizer toward the per-frame byte budget.
func (e *Encoder) adjustQuantizer(size int) {
	budget := float64(e.bitRate) / 8 / float64(e.cfg.FrameRate)
	switch {
	case float64(size) > budget*1.1 && e.quantizer < e.cfg.MaxQuantizer:
		e.quantizer++
	case float64(size) < budget*0.7 && e.quantizer > e.cfg.MinQuantizer:
		e.quantizer--
	}
}

// Stats returns a snapshot of encoder counters.
func (e *Encoder) Stats() EncoderStats {
	s := e.stats
	s.Quantizer = e.quantizer
	s.BitRate = e.bitRate
	return s
}

// Close releases encoder resources.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	logrus.WithFields(logrus.Fields{
		"function":  "Encoder.Close",
		"frames":    e.stats.Frames,
		"keyframes": e.stats.Keyframes,
	}).Info("Closing video encoder")

	return e.zw.Close()
}
