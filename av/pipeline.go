package av

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/deskstream/transport"
)

// Session is the transport surface the pipelines drive. *transport.Session
// implements it.
type Session interface {
	SendVideo(pkt transport.Packet) error
	RecvVideo(ctx context.Context) (*transport.Packet, error)
	SendControl(m transport.Message) error
	RecvControl(ctx context.Context) (transport.Message, error)
	Stats() transport.Stats
	OnStateChange(fn func(transport.StateChange)) (unregister func())
	Done() <-chan struct{}
	Err() error
}

var _ Session = (*transport.Session)(nil)

// PipelineStats reports per-stage counters and timings of one pipeline.
type PipelineStats struct {
	// Sender
	FramesCaptured   uint64
	FramesEncoded    uint64
	KeyframesSent    uint64
	PacketsSent      uint64
	BytesEncoded     uint64
	KeyframeRequests uint64 // Received from the viewer
	QueueLen         int
	QueueDropped     uint64
	QueueSkipped     uint64
	TargetBitrate    uint32
	Quantizer        int
	EncodeTime       time.Duration

	// Receiver
	PacketsReceived  uint64
	FramesDecoded    uint64
	KeyframesDecoded uint64
	FramesPresented  uint64
	DecodeErrors     uint64
	KeyframesAsked   uint64 // Sent to the host
	FramesExpired    uint64
	FramesSkipped    uint64
	MailboxDropped   uint64
	JitterBuffered   int
	DecodeTime       time.Duration
	ConvertTime      time.Duration
	PresentLatency   time.Duration
}

// Plus returns s with the counters of prev added. Gauges and timings keep
// the values of s.
func (s PipelineStats) Plus(prev PipelineStats) PipelineStats {
	s.FramesCaptured += prev.FramesCaptured
	s.FramesEncoded += prev.FramesEncoded
	s.KeyframesSent += prev.KeyframesSent
	s.PacketsSent += prev.PacketsSent
	s.BytesEncoded += prev.BytesEncoded
	s.KeyframeRequests += prev.KeyframeRequests
	s.QueueDropped += prev.QueueDropped
	s.QueueSkipped += prev.QueueSkipped

	s.PacketsReceived += prev.PacketsReceived
	s.FramesDecoded += prev.FramesDecoded
	s.KeyframesDecoded += prev.KeyframesDecoded
	s.FramesPresented += prev.FramesPresented
	s.DecodeErrors += prev.DecodeErrors
	s.KeyframesAsked += prev.KeyframesAsked
	s.FramesExpired += prev.FramesExpired
	s.FramesSkipped += prev.FramesSkipped
	s.MailboxDropped += prev.MailboxDropped
	return s
}

// stages runs pipeline goroutines under one errgroup and remembers the
// first failure so owners can tell why the pipeline stopped.
type stages struct {
	name    string
	cleanup func()
	cancel  context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	err      error
	finished sync.Once

	resets chan error
	done   chan struct{}
}

func newStages(name string, cleanup func()) *stages {
	return &stages{
		name:    name,
		cleanup: cleanup,
		resets:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (s *stages) start(parent context.Context, fns ...func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrPipelineStopped
	}
	if s.started {
		return ErrPipelineRunning
	}
	s.started = true

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		group.Go(func() error { return classify(fn(gctx)) })
	}

	go func() {
		err := group.Wait()
		cancel()
		s.finish(err)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "stages.start",
		"pipeline": s.name,
		"stages":   len(fns),
	}).Info("Pipeline started")
	return nil
}

func (s *stages) finish(err error) {
	s.finished.Do(func() {
		if errors.Is(err, errSessionEnded) {
			err = nil
		}
		s.cleanup()

		s.mu.Lock()
		s.stopped = true
		s.err = err
		s.mu.Unlock()

		fields := logrus.Fields{
			"function": "stages.finish",
			"pipeline": s.name,
		}
		switch {
		case err == nil:
			logrus.WithFields(fields).Info("Pipeline stopped")
		case errors.Is(err, ErrSessionFailure):
			fields["error"] = err.Error()
			logrus.WithFields(fields).Error("Pipeline stopped by session failure")
		default:
			fields["error"] = err.Error()
			logrus.WithFields(fields).Warn("Pipeline stopped")
		}

		if err != nil {
			s.resets <- err
		}
		close(s.resets)
		close(s.done)
	})
}

// stop cancels every stage and waits for cleanup. It returns the error
// that stopped the pipeline, if any.
func (s *stages) stop() error {
	s.mu.Lock()
	started := s.started
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if started {
		cancel()
	} else {
		s.finish(nil)
	}
	<-s.done
	return s.wait()
}

func (s *stages) wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// watchSession ends the pipeline when the session reaches a terminal
// state. A failed session stops it with ErrSessionFailure; an orderly
// close stops it cleanly.
func watchSession(session Session) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
		}
		if err := session.Err(); err != nil {
			return err
		}
		return errSessionEnded
	}
}

// errSessionEnded stops the stage group after an orderly close. It is
// filtered out before reaching owners.
var errSessionEnded = errors.New("session ended")

// stopping reports whether err only means the pipeline is shutting down.
func stopping(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrQueueClosed) ||
		errors.Is(err, ErrPipelineStopped) ||
		transport.IsClosed(err)
}
