package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"negative drain", func(c *Config) { c.DrainTimeout = -time.Second }},
		{"min above max rto", func(c *Config) { c.MinRTO = 3 * time.Second }},
		{"keepalive interval too long", func(c *Config) { c.KeepaliveInterval = c.KeepaliveTimeout }},
		{"no integrity budget", func(c *Config) { c.MaxIntegrityFailures = 0 }},
		{"no retransmits", func(c *Config) { c.MaxRetransmits = 0 }},
		{"no video queue", func(c *Config) { c.VideoQueue = 0 }},
		{"alpha out of range", func(c *Config) { c.LossAlpha = 1.5 }},
		{"recover above degrade", func(c *Config) { c.RecoverLoss = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
