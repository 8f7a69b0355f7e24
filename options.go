package deskstream

import (
	"errors"
	"fmt"

	"github.com/opd-ai/deskstream/av"
	"github.com/opd-ai/deskstream/gpu"
	"github.com/opd-ai/deskstream/interfaces"
	"github.com/opd-ai/deskstream/metrics"
	"github.com/opd-ai/deskstream/transport"
)

// Options contains configuration for a Host or Viewer.
type Options struct {
	Transport transport.Config
	Sender    av.SenderConfig
	Receiver  av.ReceiverConfig
	Device    gpu.DeviceConfig

	// DeviceFactory creates the GPU device for each pipeline build. When
	// nil, software devices configured by Device are used.
	DeviceFactory gpu.DeviceFactory

	// MaxResets bounds how many times a pipeline is rebuilt after a
	// resource failure before the peer gives up.
	MaxResets int

	// Metrics, when set, exports session and pipeline statistics.
	Metrics *metrics.Metrics

	// TimeProvider replaces the wall clock, mainly for tests.
	TimeProvider interfaces.TimeProvider
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		Transport: transport.DefaultConfig(),
		Sender:    av.DefaultSenderConfig(),
		Receiver:  av.DefaultReceiverConfig(),
		Device:    gpu.DefaultDeviceConfig(),
		MaxResets: 3,
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("options cannot be nil")
	}
	if err := o.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := o.Sender.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if err := o.Sender.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if o.Sender.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", o.Sender.QueueCapacity)
	}
	if err := o.Receiver.Jitter.Validate(); err != nil {
		return fmt.Errorf("jitter: %w", err)
	}
	if o.MaxResets < 0 {
		return fmt.Errorf("max resets cannot be negative, got %d", o.MaxResets)
	}
	return nil
}

func (o *Options) deviceFactory() gpu.DeviceFactory {
	if o.DeviceFactory != nil {
		return o.DeviceFactory
	}
	return gpu.SoftwareDeviceFactory(o.Device)
}
