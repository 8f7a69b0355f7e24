package av

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/fragment"
	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/transport"
)

// ReceiverConfig configures the viewer pipeline.
type ReceiverConfig struct {
	Decoder video.DecoderConfig
	Jitter  fragment.Config
	Curve   video.Curve // Transfer curve applied by the backward conversion
}

// DefaultReceiverConfig returns the default viewer pipeline configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Decoder: video.DefaultDecoderConfig(),
		Jitter:  fragment.DefaultConfig(),
		Curve:   video.CurvePerceptual,
	}
}

// Receiver is the viewer pipeline: packet receive, jitter buffer, decode,
// backward conversion, presentation mailbox and presenter delivery.
type Receiver struct {
	session   Session
	device    gpu.Device
	converter *video.Converter
	jitter    *fragment.JitterBuffer
	decoder   *video.Decoder
	mailbox   *Mailbox
	presenter interfaces.Presenter
	clock     interfaces.TimeProvider
	stages    *stages

	packets        atomic.Uint64
	presented      atomic.Uint64
	keyframesAsked atomic.Uint64
	latencyNanos   atomic.Int64
}

// NewReceiver builds a viewer pipeline on device delivering frames to
// presenter. Start must be called to run it.
func NewReceiver(session Session, device gpu.Device, cfg ReceiverConfig, presenter interfaces.Presenter) (*Receiver, error) {
	if presenter == nil {
		return nil, errors.New("presenter cannot be nil")
	}
	jitter, err := fragment.NewJitterBuffer(cfg.Jitter)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		session:   session,
		device:    device,
		converter: video.NewConverter(device, cfg.Curve),
		jitter:    jitter,
		mailbox:   NewMailbox(),
		presenter: presenter,
		clock:     interfaces.DefaultTimeProvider{},
	}

	decoder, err := video.NewDecoder(cfg.Decoder, r.requestKeyframe)
	if err != nil {
		return nil, err
	}
	r.decoder = decoder
	r.stages = newStages("receiver", r.cleanup)

	logrus.WithFields(logrus.Fields{
		"function":       "NewReceiver",
		"latency":        cfg.Jitter.Latency,
		"reorder_window": cfg.Jitter.ReorderWindow,
	}).Info("Viewer pipeline created")

	return r, nil
}

// SetTimeProvider replaces the clock used for deadlines and keyframe
// request pacing.
func (r *Receiver) SetTimeProvider(tp interfaces.TimeProvider) {
	r.clock = tp
	r.jitter.SetTimeProvider(tp)
	r.decoder.SetTimeProvider(tp)
}

// Start launches the pipeline stages.
func (r *Receiver) Start(ctx context.Context) error {
	return r.stages.start(ctx,
		r.receiveLoop,
		r.decodeLoop,
		r.presentLoop,
		r.controlLoop,
		watchSession(r.session),
	)
}

// SendInput forwards a viewer input event to the host.
func (r *Receiver) SendInput(ev interfaces.InputEvent) error {
	return r.session.SendControl(transport.InputMessage(ev))
}

// NegotiateBitrate caps the host bit rate. Zero removes the cap.
func (r *Receiver) NegotiateBitrate(bps uint64) error {
	return r.session.SendControl(transport.BitrateNegotiate(bps))
}

// Resets delivers the error that stopped the pipeline, then closes.
func (r *Receiver) Resets() <-chan error {
	return r.stages.resets
}

// Wait blocks until the pipeline stops and returns why.
func (r *Receiver) Wait() error {
	<-r.stages.done
	return r.stages.wait()
}

// Stop cancels every stage and releases pipeline resources.
func (r *Receiver) Stop() error {
	return r.stages.stop()
}

// Stats returns a snapshot of pipeline counters.
func (r *Receiver) Stats() PipelineStats {
	d := r.decoder.Stats()
	j := r.jitter.Stats()
	return PipelineStats{
		PacketsReceived:  r.packets.Load(),
		FramesDecoded:    d.Decoded,
		KeyframesDecoded: d.Keyframes,
		FramesPresented:  r.presented.Load(),
		DecodeErrors:     d.Errors,
		KeyframesAsked:   r.keyframesAsked.Load(),
		FramesExpired:    j.Expired,
		FramesSkipped:    j.Skipped,
		MailboxDropped:   r.mailbox.Dropped(),
		JitterBuffered:   r.jitter.Buffered(),
		DecodeTime:       d.LastDuration,
		ConvertTime:      r.converter.LastDuration(),
		PresentLatency:   time.Duration(r.latencyNanos.Load()),
	}
}

func (r *Receiver) cleanup() {
	r.jitter.Close()
	r.mailbox.Close()
	r.decoder.Close()
}

// requestKeyframe is the decoder's keyframe requester.
func (r *Receiver) requestKeyframe() {
	if err := r.session.SendControl(transport.KeyframeRequest()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.requestKeyframe",
			"error":    err.Error(),
		}).Warn("Failed to send keyframe request")
		return
	}
	r.keyframesAsked.Add(1)
}

func (r *Receiver) receiveLoop(ctx context.Context) error {
	for {
		pkt, err := r.session.RecvVideo(ctx)
		if err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}
		r.packets.Add(1)

		if err := r.jitter.Push(pkt); err != nil {
			if errors.Is(err, fragment.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.receiveLoop",
				"frame_id": pkt.FrameID,
				"error":    err.Error(),
			}).Debug("Discarding fragment")
		}
	}
}

func (r *Receiver) decodeLoop(ctx context.Context) error {
	for {
		unit, err := r.jitter.Next(ctx)
		if err != nil {
			if errors.Is(err, fragment.ErrClosed) || stopping(ctx, err) {
				return nil
			}
			return err
		}

		if err := r.decodeUnit(unit); err != nil {
			if stopping(ctx, err) {
				return nil
			}
			if c := classify(err); c != err {
				return c
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.decodeLoop",
				"frame_id": unit.FrameID,
				"keyframe": unit.Keyframe,
				"error":    err.Error(),
			}).Debug("Frame not decodable")
		}
	}
}

// decodeUnit decodes one unit, uploads it and queues the backward
// conversion. The converted frame goes to the mailbox without waiting for
// the conversion fence.
func (r *Receiver) decodeUnit(unit *video.EncodedUnit) error {
	planes, err := r.decoder.Decode(unit)
	if err != nil {
		return err
	}

	i420, err := gpu.Upload(r.device, planes.Desc(), planes.Bytes())
	if err != nil {
		return err
	}
	rgba, err := r.converter.Convert(i420, video.Backward)
	if err != nil {
		return err
	}

	return r.mailbox.Put(Presentation{
		Lease:     rgba,
		FrameID:   unit.FrameID,
		Timestamp: unit.Timestamp,
	})
}

func (r *Receiver) presentLoop(ctx context.Context) error {
	for {
		p, err := r.mailbox.Take(ctx)
		if err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}
		if err := r.present(ctx, p); err != nil {
			if stopping(ctx, err) {
				return nil
			}
			if c := classify(err); c != err {
				return c
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.presentLoop",
				"frame_id": p.FrameID,
				"error":    err.Error(),
			}).Warn("Presentation failed")
		}
	}
}

func (r *Receiver) present(ctx context.Context, p Presentation) error {
	defer p.Lease.Release()

	if err := p.Lease.Wait(ctx); err != nil {
		return err
	}
	buf, err := p.Lease.Buffer()
	if err != nil {
		return err
	}
	if err := r.presenter.Present(interfaces.PresentedFrame{
		Buffer:    buf,
		FrameID:   p.FrameID,
		Timestamp: p.Timestamp,
	}); err != nil {
		return err
	}

	r.presented.Add(1)
	if !p.Timestamp.IsZero() {
		r.latencyNanos.Store(int64(r.clock.Since(p.Timestamp)))
	}
	return nil
}

// controlLoop drains host control traffic. The host sends nothing the
// viewer acts on today; draining keeps the reliable window moving.
func (r *Receiver) controlLoop(ctx context.Context) error {
	for {
		m, err := r.session.RecvControl(ctx)
		if err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.controlLoop",
			"type":     m.Type.String(),
		}).Debug("Ignoring control message")
	}
}
