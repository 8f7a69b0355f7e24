package video

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/interfaces"
)

// KeyframeRequester is invoked when the decoder needs a keyframe.
type KeyframeRequester func()

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	// KeyframeRequestInterval is the minimum time between keyframe requests
	// (default: 250ms).
	KeyframeRequestInterval time.Duration
	// MaxWidth and MaxHeight bound the accepted frame size (default: 7680x4320).
	MaxWidth  int
	MaxHeight int
}

// DefaultDecoderConfig returns the default decoder configuration.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		KeyframeRequestInterval: 250 * time.Millisecond,
		MaxWidth:                7680,
		MaxHeight:               4320,
	}
}

// DecoderStats is a snapshot of decoder counters.
type DecoderStats struct {
	Decoded          uint64
	Keyframes        uint64
	Errors           uint64
	KeyframeRequests uint64
	LastDuration     time.Duration
}

// Decoder reconstructs I420 frames from dsv1 units.
//
// A unit is decodable when it is a keyframe or when it references the last
// frame this decoder produced. Anything else fails with ErrNeedKeyframe,
// leaves the last good frame untouched, and triggers the keyframe requester
// at most once per KeyframeRequestInterval. Decode must be called from a
// single goroutine.
type Decoder struct {
	cfg       DecoderConfig
	zr        *zstd.Decoder
	requester KeyframeRequester
	clock     interfaces.TimeProvider

	reference    []byte
	refWidth     int
	refHeight    int
	refID        uint32
	haveRef      bool
	lastGood     *Planes
	lastRequest  time.Time
	needKeyframe bool

	mu    sync.Mutex
	stats DecoderStats
}

// NewDecoder creates a decoder. requester may be nil.
func NewDecoder(cfg DecoderConfig, requester KeyframeRequester) (*Decoder, error) {
	if cfg.KeyframeRequestInterval < 0 {
		return nil, fmt.Errorf("%w: negative keyframe request interval", ErrCodecInit)
	}
	if cfg.MaxWidth <= 0 || cfg.MaxHeight <= 0 {
		def := DefaultDecoderConfig()
		cfg.MaxWidth, cfg.MaxHeight = def.MaxWidth, def.MaxHeight
	}

	zr, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(planeSize(cfg.MaxWidth, cfg.MaxHeight))*2))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecInit, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":                  "NewDecoder",
		"codec":                     CodecName,
		"keyframe_request_interval": cfg.KeyframeRequestInterval.String(),
	}).Info("Creating video decoder")

	return &Decoder{
		cfg:       cfg,
		zr:        zr,
		requester: requester,
		clock:     interfaces.DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider sets the clock used to rate-limit keyframe requests.
func (d *Decoder) SetTimeProvider(tp interfaces.TimeProvider) {
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	d.clock = tp
}

// Decode reconstructs the frame carried by unit. The returned planes are
// owned by the caller.
func (d *Decoder) Decode(unit *EncodedUnit) (*Planes, error) {
	start := time.Now()
	planes, err := d.decode(unit)
	if err != nil {
		d.mu.Lock()
		d.stats.Errors++
		d.mu.Unlock()

		if errors.Is(err, ErrNeedKeyframe) {
			d.needKeyframe = true
			d.requestKeyframe(err)
		}
		return nil, err
	}

	d.needKeyframe = false
	d.lastGood = planes

	d.mu.Lock()
	d.stats.Decoded++
	d.stats.LastDuration = time.Since(start)
	d.mu.Unlock()

	return planes.Clone(), nil
}

func (d *Decoder) decode(unit *EncodedUnit) (*Planes, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: nil unit", ErrNeedKeyframe)
	}
	hdr, body, err := parseUnitHeader(unit.Payload)
	if err != nil {
		return nil, err
	}
	if hdr.FrameID != unit.FrameID {
		return nil, fmt.Errorf("%w: header frame %d does not match unit %d", ErrNeedKeyframe, hdr.FrameID, unit.FrameID)
	}
	if hdr.Width > d.cfg.MaxWidth || hdr.Height > d.cfg.MaxHeight {
		return nil, fmt.Errorf("%w: frame %dx%d exceeds limit", ErrNeedKeyframe, hdr.Width, hdr.Height)
	}

	if !hdr.Keyframe {
		switch {
		case d.needKeyframe:
			return nil, fmt.Errorf("%w: waiting for keyframe, dropping frame %d", ErrNeedKeyframe, hdr.FrameID)
		case !d.haveRef:
			return nil, fmt.Errorf("%w: no reference for frame %d", ErrNeedKeyframe, hdr.FrameID)
		case hdr.RefID != d.refID:
			return nil, fmt.Errorf("%w: frame %d references %d, have %d", ErrNeedKeyframe, hdr.FrameID, hdr.RefID, d.refID)
		case hdr.Width != d.refWidth || hdr.Height != d.refHeight:
			return nil, fmt.Errorf("%w: reference size mismatch", ErrNeedKeyframe)
		}
	}

	n := planeSize(hdr.Width, hdr.Height)
	coded, err := d.zr.DecodeAll(body, make([]byte, 0, n))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt payload: %v", ErrNeedKeyframe, err)
	}
	if len(coded) != n {
		return nil, fmt.Errorf("%w: payload has %d samples, want %d", ErrNeedKeyframe, len(coded), n)
	}

	next := make([]byte, n)
	q := hdr.Quantizer
	if hdr.Keyframe {
		for i, idx := range coded {
			next[i] = reconstructIntra(idx, q)
		}
	} else {
		for i, code := range coded {
			next[i] = reconstructResidual(code, d.reference[i], q)
		}
	}

	d.reference = next
	d.refWidth, d.refHeight = hdr.Width, hdr.Height
	d.refID = hdr.FrameID
	d.haveRef = true
	if hdr.Keyframe {
		d.mu.Lock()
		d.stats.Keyframes++
		d.mu.Unlock()
	}

	ySize := hdr.Width * hdr.Height
	cSize := (hdr.Width / 2) * (hdr.Height / 2)
	return &Planes{
		Width:  hdr.Width,
		Height: hdr.Height,
		Y:      next[:ySize],
		U:      next[ySize : ySize+cSize],
		V:      next[ySize+cSize:],
	}, nil
}

func (d *Decoder) requestKeyframe(cause error) {
	now := d.clock.Now()
	if !d.lastRequest.IsZero() && now.Sub(d.lastRequest) < d.cfg.KeyframeRequestInterval {
		return
	}
	d.lastRequest = now

	d.mu.Lock()
	d.stats.KeyframeRequests++
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Decoder.requestKeyframe",
		"cause":    cause.Error(),
	}).Debug("Requesting keyframe")

	if d.requester != nil {
		d.requester()
	}
}

// LastGood returns a copy of the most recent successfully decoded frame, or
// nil if nothing has been decoded.
func (d *Decoder) LastGood() *Planes {
	if d.lastGood == nil {
		return nil
	}
	return d.lastGood.Clone()
}

// Stats returns a snapshot of decoder counters.
func (d *Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	d.zr.Close()
}
