package transport

import (
	"fmt"
	"time"
)

// Config holds session timing, reliability and congestion thresholds.
type Config struct {
	// Handshake
	HandshakeRetryInterval time.Duration // Resend interval for the first handshake message (default: 250ms)
	HandshakeTimeout       time.Duration // Give up on the handshake after this long (default: 5s)

	// Liveness
	KeepaliveInterval    time.Duration // Ping period (default: 250ms)
	KeepaliveTimeout     time.Duration // Fail without authenticated traffic for this long (default: 5s)
	MaxIntegrityFailures int           // Consecutive authentication failures before failing (default: 32)

	// Reliable control channel
	InitialRTO     time.Duration // RTO before the first RTT sample (default: 200ms)
	MinRTO         time.Duration // Lower RTO bound (default: 50ms)
	MaxRTO         time.Duration // Upper RTO bound (default: 2s)
	MaxRetransmits int           // Retransmissions per message before failing (default: 8)
	MaxInFlight    int           // Unacknowledged control messages (default: 256)
	ControlQueue   int           // Received control messages held for RecvControl (default: 256)
	DrainTimeout   time.Duration // Bound on waiting for acks while closing (default: 1s)

	// Video
	VideoQueue int // Received video packets held for RecvVideo (default: 1024)

	// Congestion
	LossAlpha    float64       // EWMA weight of a new loss sample (default: 0.3)
	DegradeLoss  float64       // Enter Degraded at or above this loss rate (default: 0.10)
	DegradeRTT   time.Duration // Enter Degraded at or above this smoothed RTT (default: 400ms)
	RecoverLoss  float64       // Leave Degraded at or below this loss rate (default: 0.03)
	RecoverRTT   time.Duration // Leave Degraded at or below this smoothed RTT (default: 250ms)
	RecoverDwell time.Duration // Recovery conditions must hold this long (default: 2s)
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeRetryInterval: 250 * time.Millisecond,
		HandshakeTimeout:       5 * time.Second,
		KeepaliveInterval:      250 * time.Millisecond,
		KeepaliveTimeout:       5 * time.Second,
		MaxIntegrityFailures:   32,
		InitialRTO:             200 * time.Millisecond,
		MinRTO:                 50 * time.Millisecond,
		MaxRTO:                 2 * time.Second,
		MaxRetransmits:         8,
		MaxInFlight:            256,
		ControlQueue:           256,
		DrainTimeout:           time.Second,
		VideoQueue:             1024,
		LossAlpha:              0.3,
		DegradeLoss:            0.10,
		DegradeRTT:             400 * time.Millisecond,
		RecoverLoss:            0.03,
		RecoverRTT:             250 * time.Millisecond,
		RecoverDwell:           2 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	positive := map[string]time.Duration{
		"handshake retry interval": c.HandshakeRetryInterval,
		"handshake timeout":        c.HandshakeTimeout,
		"keepalive interval":       c.KeepaliveInterval,
		"keepalive timeout":        c.KeepaliveTimeout,
		"initial rto":              c.InitialRTO,
		"min rto":                  c.MinRTO,
		"max rto":                  c.MaxRTO,
		"drain timeout":            c.DrainTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.MinRTO > c.MaxRTO {
		return fmt.Errorf("min rto %v exceeds max rto %v", c.MinRTO, c.MaxRTO)
	}
	if c.KeepaliveInterval >= c.KeepaliveTimeout {
		return fmt.Errorf("keepalive interval %v must be below timeout %v", c.KeepaliveInterval, c.KeepaliveTimeout)
	}
	if c.MaxIntegrityFailures <= 0 || c.MaxRetransmits <= 0 {
		return fmt.Errorf("failure thresholds must be positive")
	}
	if c.MaxInFlight <= 0 || c.ControlQueue <= 0 || c.VideoQueue <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.LossAlpha <= 0 || c.LossAlpha > 1 {
		return fmt.Errorf("loss alpha must be in (0, 1], got %v", c.LossAlpha)
	}
	if c.RecoverLoss > c.DegradeLoss || c.RecoverRTT > c.DegradeRTT {
		return fmt.Errorf("recovery thresholds must not exceed degrade thresholds")
	}
	return nil
}
