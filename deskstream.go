package deskstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/transport"
)

// pipeline is the surface shared by av.Sender and av.Receiver.
type pipeline interface {
	Start(ctx context.Context) error
	Stop() error
	Resets() <-chan error
	Stats() av.PipelineStats
}

// Stats is a snapshot of one peer.
type Stats struct {
	Session  transport.Stats
	Pipeline av.PipelineStats
	Resets   int
}

// peer owns a session and the pipeline running over it. The pipeline is
// rebuilt on a fresh device after a resource failure; a session failure
// ends the peer.
type peer struct {
	role    string
	opts    *Options
	session *transport.Session
	factory gpu.DeviceFactory
	build   func(device gpu.Device, prev pipeline) (pipeline, error)

	mu      sync.Mutex
	device  gpu.Device
	pipe    pipeline
	retired av.PipelineStats // Counters of pipelines replaced by a rebuild
	resets  int
	started bool
	closing bool
	err     error
	done    chan struct{}
}

func newPeer(role string, conn net.PacketConn, opts *Options) (*peer, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	session, err := transport.NewSession(conn, opts.Transport)
	if err != nil {
		return nil, err
	}
	if opts.TimeProvider != nil {
		session.SetTimeProvider(opts.TimeProvider)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newPeer",
		"role":       role,
		"session_id": session.ID().String(),
		"local_addr": conn.LocalAddr().String(),
	}).Info("Creating peer")

	return &peer{
		role:    role,
		opts:    opts,
		session: session,
		factory: opts.deviceFactory(),
		done:    make(chan struct{}),
	}, nil
}

func (p *peer) connect(ctx context.Context, params transport.ConnectParams) error {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return ErrClosed
	}
	return p.session.Connect(ctx, params)
}

func (p *peer) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closing:
		return ErrClosed
	case p.started:
		return ErrAlreadyStarted
	}
	if st := p.session.State(); st != transport.StateEstablished && st != transport.StateDegraded {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}

	pipe, err := p.buildLocked()
	if err != nil {
		return err
	}
	p.started = true

	if m := p.opts.Metrics; m != nil {
		if err := m.RegisterSession(p.role, p.session.Stats); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "peer.start",
				"role":     p.role,
				"error":    err.Error(),
			}).Warn("Session metrics not exported")
		}
	}

	if m := p.opts.Metrics; m != nil {
		if err := m.RegisterPipeline(p.role, p.pipelineStats); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "peer.start",
				"role":     p.role,
				"error":    err.Error(),
			}).Warn("Pipeline metrics not exported")
		}
	}

	go p.supervise(pipe)
	return nil
}

// buildLocked creates a device and a pipeline on it and starts the
// pipeline. The pipeline being replaced, if any, is passed to the builder.
func (p *peer) buildLocked() (pipeline, error) {
	device, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: create device: %w", av.ErrResourceFailure, err)
	}
	pipe, err := p.build(device, p.pipe)
	if err != nil {
		_ = device.Close()
		return nil, err
	}
	if err := pipe.Start(context.Background()); err != nil {
		_ = pipe.Stop()
		_ = device.Close()
		return nil, err
	}

	if p.pipe != nil {
		p.retired = p.pipe.Stats().Plus(p.retired)
	}
	p.device = device
	p.pipe = pipe
	return pipe, nil
}

// supervise waits for the pipeline to stop and rebuilds it after resource
// failures.
func (p *peer) supervise(pipe pipeline) {
	for {
		err, failed := <-pipe.Resets()
		if !failed {
			p.finish(nil)
			return
		}
		if !errors.Is(err, av.ErrResourceFailure) {
			p.finish(err)
			return
		}

		next, err := p.rebuild(err)
		if err != nil {
			p.finish(err)
			return
		}
		if next == nil {
			p.finish(nil)
			return
		}
		pipe = next
	}
}

func (p *peer) rebuild(cause error) (pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil, nil
	}
	p.resets++

	logrus.WithFields(logrus.Fields{
		"function": "peer.rebuild",
		"role":     p.role,
		"resets":   p.resets,
		"cause":    cause.Error(),
	}).Warn("Rebuilding pipeline after resource failure")

	if m := p.opts.Metrics; m != nil {
		m.IncResets(p.role, "resource")
	}
	if p.resets > p.opts.MaxResets {
		return nil, fmt.Errorf("%w: %w", ErrTooManyResets, cause)
	}

	if p.device != nil {
		_ = p.device.Close()
		p.device = nil
	}
	return p.buildLocked()
}

func (p *peer) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	fields := logrus.Fields{
		"function": "peer.finish",
		"role":     p.role,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Peer stopped")
	} else {
		logrus.WithFields(fields).Info("Peer stopped")
	}
	close(p.done)
}

func (p *peer) wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *peer) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	pipe := p.pipe
	started := p.started
	p.mu.Unlock()

	if pipe != nil {
		_ = pipe.Stop()
	}
	err := p.session.Close(ctx)
	if started {
		select {
		case <-p.done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	p.mu.Lock()
	device := p.device
	p.device = nil
	p.mu.Unlock()
	if device != nil {
		_ = device.Close()
	}
	if m := p.opts.Metrics; m != nil {
		m.Unregister(p.role)
	}

	logrus.WithFields(logrus.Fields{
		"function": "peer.close",
		"role":     p.role,
	}).Info("Peer closed")
	return err
}

func (p *peer) stats() Stats {
	p.mu.Lock()
	resets := p.resets
	p.mu.Unlock()

	return Stats{
		Session:  p.session.Stats(),
		Pipeline: p.pipelineStats(),
		Resets:   resets,
	}
}

// pipelineStats reports the running pipeline with the counters of every
// pipeline it replaced added, so totals survive rebuilds.
func (p *peer) pipelineStats() av.PipelineStats {
	p.mu.Lock()
	pipe := p.pipe
	retired := p.retired
	p.mu.Unlock()

	if pipe == nil {
		return retired
	}
	return pipe.Stats().Plus(retired)
}

func (p *peer) current() pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return nil
	}
	return p.pipe
}

// Host streams captured frames to one viewer and applies the viewer's
// input and bit rate requests.
type Host struct {
	*peer
}

// NewHost creates a host communicating over conn. source may be nil, in
// which case frames are fed with SubmitCapture. input may be nil.
func NewHost(conn net.PacketConn, opts *Options, source interfaces.CaptureSource, input interfaces.InputHandler) (*Host, error) {
	p, err := newPeer("host", conn, opts)
	if err != nil {
		return nil, err
	}
	h := &Host{peer: p}
	p.build = func(device gpu.Device, prev pipeline) (pipeline, error) {
		cfg := p.opts.Sender
		if old, ok := prev.(*av.Sender); ok {
			cfg.FirstFrameID = old.NextFrameID()
		}
		s, err := av.NewSender(p.session, device, cfg, input)
		if err != nil {
			return nil, err
		}
		if source != nil {
			s.SetCaptureSource(source)
		}
		if tp := p.opts.TimeProvider; tp != nil {
			s.SetTimeProvider(tp)
		}
		return s, nil
	}
	return h, nil
}

// Connect performs the session handshake.
func (h *Host) Connect(ctx context.Context, params transport.ConnectParams) error {
	return h.connect(ctx, params)
}

// Start builds and starts the host pipeline. The session must be
// established.
func (h *Host) Start() error {
	return h.start()
}

// Wait blocks until the host stops. It returns nil after an orderly close
// and the failure otherwise.
func (h *Host) Wait() error {
	return h.wait()
}

// Close stops the pipeline and closes the session.
func (h *Host) Close(ctx context.Context) error {
	return h.close(ctx)
}

// Stats returns a snapshot of session and pipeline statistics.
func (h *Host) Stats() Stats {
	return h.stats()
}

// Session returns the underlying transport session.
func (h *Host) Session() *transport.Session {
	return h.session
}

// Device returns the device of the running pipeline. Leases passed to
// SubmitCapture must come from it.
func (h *Host) Device() gpu.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

// SubmitCapture feeds one RGBA capture lease to the running pipeline.
func (h *Host) SubmitCapture(capture *gpu.Lease, ts time.Time) error {
	s, ok := h.current().(*av.Sender)
	if !ok {
		capture.Release()
		return ErrNotStarted
	}
	return s.SubmitCapture(capture, ts)
}

// Tunables returns the current quality snapshot.
func (h *Host) Tunables() (av.Tunables, error) {
	s, ok := h.current().(*av.Sender)
	if !ok {
		return av.Tunables{}, ErrNotStarted
	}
	return s.Tunables(), nil
}

// Viewer receives and presents a host's stream and sends input back.
type Viewer struct {
	*peer
}

// NewViewer creates a viewer communicating over conn and presenting to
// presenter.
func NewViewer(conn net.PacketConn, opts *Options, presenter interfaces.Presenter) (*Viewer, error) {
	if presenter == nil {
		return nil, errors.New("presenter cannot be nil")
	}
	p, err := newPeer("viewer", conn, opts)
	if err != nil {
		return nil, err
	}
	p.build = func(device gpu.Device, _ pipeline) (pipeline, error) {
		r, err := av.NewReceiver(p.session, device, p.opts.Receiver, presenter)
		if err != nil {
			return nil, err
		}
		if tp := p.opts.TimeProvider; tp != nil {
			r.SetTimeProvider(tp)
		}
		return r, nil
	}
	return &Viewer{peer: p}, nil
}

// Connect performs the session handshake.
func (v *Viewer) Connect(ctx context.Context, params transport.ConnectParams) error {
	return v.connect(ctx, params)
}

// Start builds and starts the viewer pipeline. The session must be
// established.
func (v *Viewer) Start() error {
	return v.start()
}

// Wait blocks until the viewer stops. It returns nil after an orderly
// close and the failure otherwise.
func (v *Viewer) Wait() error {
	return v.wait()
}

// Close stops the pipeline and closes the session.
func (v *Viewer) Close(ctx context.Context) error {
	return v.close(ctx)
}

// Stats returns a snapshot of session and pipeline statistics.
func (v *Viewer) Stats() Stats {
	return v.stats()
}

// Session returns the underlying transport session.
func (v *Viewer) Session() *transport.Session {
	return v.session
}

// SendInput forwards an input event to the host.
func (v *Viewer) SendInput(ev interfaces.InputEvent) error {
	r, ok := v.current().(*av.Receiver)
	if !ok {
		return ErrNotStarted
	}
	return r.SendInput(ev)
}

// NegotiateBitrate caps the host's bit rate. Zero removes the cap.
func (v *Viewer) NegotiateBitrate(bps uint64) error {
	r, ok := v.current().(*av.Receiver)
	if !ok {
		return ErrNotStarted
	}
	return r.NegotiateBitrate(bps)
}
