package av

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av/fragment"
	"github.com/opd-ai/deskstream/av/video"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/transport"
)

// SenderConfig configures the host pipeline.
type SenderConfig struct {
	Encoder       video.EncoderConfig
	Quality       QualityConfig
	QueueCapacity int    // Frames buffered between capture and encode (default: 4)
	FirstFrameID  uint32 // Id of the first captured frame; a rebuilt pipeline continues its predecessor's ids
}

// DefaultSenderConfig returns the default host pipeline configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Encoder:       video.DefaultEncoderConfig(),
		Quality:       DefaultQualityConfig(),
		QueueCapacity: 4,
	}
}

// Sender is the host pipeline: capture conversion, frame queue, encode,
// packetize and send, plus the control and quality loops.
//
// Stages communicate only through the FrameQueue, the session and the
// published Tunables.
type Sender struct {
	session    Session
	device     gpu.Device
	converter  *video.Converter
	queue      *FrameQueue
	encoder    *video.Encoder
	packetizer *fragment.Packetizer
	quality    *QualityController
	input      interfaces.InputHandler
	source     interfaces.CaptureSource
	clock      interfaces.TimeProvider
	stages     *stages

	seqMu   sync.Mutex
	nextSeq uint32

	recovered  chan struct{}
	unregister func()

	// Encode goroutine only.
	bitrate uint32
	epoch   uint64

	captured         atomic.Uint64
	encoded          atomic.Uint64
	keyframes        atomic.Uint64
	packetsSent      atomic.Uint64
	bytesEncoded     atomic.Uint64
	keyframeRequests atomic.Uint64
	quantizer        atomic.Int64
	encodeNanos      atomic.Int64
}

// NewSender builds a host pipeline on device. input receives viewer input
// events and may be nil. Start must be called to run it.
func NewSender(session Session, device gpu.Device, cfg SenderConfig, input interfaces.InputHandler) (*Sender, error) {
	quality, err := NewQualityController(cfg.Quality)
	if err != nil {
		return nil, err
	}
	encCfg := cfg.Encoder
	encCfg.BitRate = cfg.Quality.InitialBitrate
	encoder, err := video.NewEncoder(encCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceFailure, err)
	}

	s := &Sender{
		session:    session,
		device:     device,
		converter:  video.NewConverter(device, video.CurvePerceptual),
		queue:      NewFrameQueue(cfg.QueueCapacity, DropOldest{}),
		encoder:    encoder,
		packetizer: fragment.NewPacketizer(),
		quality:    quality,
		input:      input,
		clock:      interfaces.DefaultTimeProvider{},
		recovered:  make(chan struct{}, 1),
		bitrate:    encCfg.BitRate,
		nextSeq:    cfg.FirstFrameID,
	}

	s.stages = newStages("sender", s.cleanup)

	s.unregister = session.OnStateChange(func(c transport.StateChange) {
		if c.From == transport.StateDegraded && c.To == transport.StateEstablished {
			select {
			case s.recovered <- struct{}{}:
			default:
			}
		}
	})

	logrus.WithFields(logrus.Fields{
		"function":       "NewSender",
		"queue_capacity": cfg.QueueCapacity,
		"initial_bps":    encCfg.BitRate,
		"first_frame_id": cfg.FirstFrameID,
	}).Info("Host pipeline created")

	return s, nil
}

// SetCaptureSource makes the pipeline pull frames from src. Without a
// source, frames are fed with SubmitCapture.
func (s *Sender) SetCaptureSource(src interfaces.CaptureSource) {
	s.source = src
}

// SetTimeProvider replaces the clock used for capture timestamps and the
// quality loop.
func (s *Sender) SetTimeProvider(tp interfaces.TimeProvider) {
	s.clock = tp
	s.quality.SetTimeProvider(tp)
}

// Quality returns the pipeline's quality controller.
func (s *Sender) Quality() *QualityController {
	return s.quality
}

// Start launches the pipeline stages.
func (s *Sender) Start(ctx context.Context) error {
	fns := []func(context.Context) error{
		s.encodeLoop,
		s.controlLoop,
		s.qualityLoop,
		s.recoveryLoop,
		watchSession(s.session),
	}
	if s.source != nil {
		fns = append(fns, s.captureLoop)
	}
	return s.stages.start(ctx, fns...)
}

// SubmitCapture queues the forward conversion of an RGBA capture lease
// and hands the result to the frame queue. It does not wait for the
// conversion to complete. The lease is consumed.
func (s *Sender) SubmitCapture(capture *gpu.Lease, ts time.Time) error {
	i420, err := s.converter.Convert(capture, video.Forward)
	if err != nil {
		return classify(err)
	}

	s.seqMu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.seqMu.Unlock()

	s.captured.Add(1)
	return s.queue.Push(&video.Frame{Lease: i420, Seq: seq, Timestamp: ts})
}

// NextFrameID returns the id the next captured frame will get. A pipeline
// rebuilt over the same session starts from here so the viewer keeps
// seeing increasing ids.
func (s *Sender) NextFrameID() uint32 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.nextSeq
}

// Resets delivers the error that stopped the pipeline, then closes.
func (s *Sender) Resets() <-chan error {
	return s.stages.resets
}

// Wait blocks until the pipeline stops and returns why.
func (s *Sender) Wait() error {
	<-s.stages.done
	return s.stages.wait()
}

// Stop cancels every stage and releases pipeline resources. The session
// and device stay open.
func (s *Sender) Stop() error {
	return s.stages.stop()
}

// Tunables returns the current quality snapshot.
func (s *Sender) Tunables() Tunables {
	return s.quality.Tunables()
}

// Stats returns a snapshot of pipeline counters.
func (s *Sender) Stats() PipelineStats {
	q := s.queue.Stats()
	return PipelineStats{
		FramesCaptured:   s.captured.Load(),
		FramesEncoded:    s.encoded.Load(),
		KeyframesSent:    s.keyframes.Load(),
		PacketsSent:      s.packetsSent.Load(),
		BytesEncoded:     s.bytesEncoded.Load(),
		KeyframeRequests: s.keyframeRequests.Load(),
		QueueLen:         q.Len,
		QueueDropped:     q.Dropped,
		QueueSkipped:     q.Skipped,
		TargetBitrate:    s.quality.Tunables().TargetBitrate,
		Quantizer:        int(s.quantizer.Load()),
		EncodeTime:       time.Duration(s.encodeNanos.Load()),
		ConvertTime:      s.converter.LastDuration(),
	}
}

func (s *Sender) cleanup() {
	s.unregister()
	s.queue.Close()
	_ = s.encoder.Close()
}

func (s *Sender) captureLoop(ctx context.Context) error {
	for {
		lease, err := s.source.NextFrame(ctx, s.device)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.SubmitCapture(lease, s.clock.Now()); err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}
	}
}

func (s *Sender) encodeLoop(ctx context.Context) error {
	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}

		if err := s.encodeFrame(ctx, frame); err != nil {
			if stopping(ctx, err) {
				return nil
			}
			if c := classify(err); c != err {
				return c
			}
			logrus.WithFields(logrus.Fields{
				"function": "Sender.encodeLoop",
				"seq":      frame.Seq,
				"error":    err.Error(),
			}).Warn("Dropping frame")
		}
	}
}

// encodeFrame applies the current tunables, waits for the frame's
// conversion fence, encodes, packetizes and sends.
func (s *Sender) encodeFrame(ctx context.Context, frame *video.Frame) error {
	defer frame.Release()

	t := s.quality.Tunables()
	if t.TargetBitrate != s.bitrate {
		if err := s.encoder.SetBitRate(t.TargetBitrate); err == nil {
			s.bitrate = t.TargetBitrate
		}
	}
	s.queue.SetPolicy(t.DropPolicy())
	force := t.KeyframeEpoch != s.epoch
	s.epoch = t.KeyframeEpoch

	if err := frame.Lease.Wait(ctx); err != nil {
		return err
	}
	buf, err := frame.Lease.Buffer()
	if err != nil {
		return err
	}
	planes, err := video.PlanesFromBuffer(buf)
	if err != nil {
		return err
	}

	start := time.Now()
	unit, err := s.encoder.Encode(planes, frame.Seq, frame.Timestamp, force)
	if err != nil {
		return err
	}
	s.encodeNanos.Store(int64(time.Since(start)))

	packets, err := s.packetizer.Packetize(unit)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := s.session.SendVideo(pkt); err != nil {
			return err
		}
	}

	s.encoded.Add(1)
	s.packetsSent.Add(uint64(len(packets)))
	s.bytesEncoded.Add(uint64(len(unit.Payload)))
	s.quantizer.Store(int64(s.encoder.Stats().Quantizer))
	if unit.Keyframe {
		s.keyframes.Add(1)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Sender.encodeFrame",
		"frame_id":  unit.FrameID,
		"keyframe":  unit.Keyframe,
		"bytes":     len(unit.Payload),
		"fragments": len(packets),
	}).Debug("Frame sent")
	return nil
}

func (s *Sender) controlLoop(ctx context.Context) error {
	for {
		m, err := s.session.RecvControl(ctx)
		if err != nil {
			if stopping(ctx, err) {
				return nil
			}
			return err
		}

		switch m.Type {
		case transport.MsgKeyframeRequest:
			s.keyframeRequests.Add(1)
			s.quality.RequestKeyframe("viewer reported corruption")
		case transport.MsgBitrateNegotiate:
			capBps := m.TargetBitrate
			if capBps > uint64(^uint32(0)) {
				capBps = uint64(^uint32(0))
			}
			s.quality.SetPeerCap(uint32(capBps))
		case transport.MsgInputEvent:
			if s.input == nil {
				continue
			}
			if err := s.input.HandleInput(m.Input); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Sender.controlLoop",
					"kind":     m.Input.Kind.String(),
					"error":    err.Error(),
				}).Warn("Input handler failed")
			}
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Sender.controlLoop",
				"type":     m.Type.String(),
			}).Debug("Ignoring control message")
		}
	}
}

// recoveryLoop forces a keyframe when the session recovers from Degraded.
func (s *Sender) recoveryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.recovered:
			s.quality.RequestKeyframe("session recovered")
		}
	}
}

func (s *Sender) qualityLoop(ctx context.Context) error {
	return s.quality.Run(ctx, func() QualityInputs {
		st := s.session.Stats()
		return QualityInputs{
			Loss:      st.LossRate,
			RTT:       st.SRTT,
			Occupancy: s.queue.Occupancy(),
		}
	})
}
