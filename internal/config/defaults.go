package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultPongTimeout      = 30 * time.Second
	DefaultBaseDelay        = 1 * time.Second
	DefaultMaxDelay         = 60 * time.Second
	DefaultMaxAttempts      = 10
	DefaultJitterFrac       = 0.2
	DefaultFlushInterval    = 200 * time.Millisecond
	DefaultMaxBatchSize     = 50
	DefaultMaxQueueDepth    = 1000
	DefaultSampleInterval   = 1 * time.Second
	DefaultLatencyWindow    = 100
	DefaultStabilityWindow  = 60
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *ClientConfig) applyDefaults() {
	// Instance defaults
	if c.Instance.ID == "" {
		c.Instance.ID = uuid.NewString()
	}

	// Server defaults
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = DefaultPongTimeout
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.JitterFrac == 0 {
		c.Reconnect.JitterFrac = DefaultJitterFrac
	}

	// Batching defaults
	if c.Batching.FlushInterval == 0 {
		c.Batching.FlushInterval = DefaultFlushInterval
	}
	if c.Batching.MaxBatchSize == 0 {
		c.Batching.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Batching.FlushThreshold == 0 {
		c.Batching.FlushThreshold = c.Batching.MaxBatchSize
	}
	if c.Batching.MaxQueueDepth == 0 {
		c.Batching.MaxQueueDepth = DefaultMaxQueueDepth
	}

	// Health defaults
	if c.Health.SampleInterval == 0 {
		c.Health.SampleInterval = DefaultSampleInterval
	}
	if c.Health.LatencyWindow == 0 {
		c.Health.LatencyWindow = DefaultLatencyWindow
	}
	if c.Health.StabilityWindow == 0 {
		c.Health.StabilityWindow = DefaultStabilityWindow
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
