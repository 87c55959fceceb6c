package config

import "time"

// ClientConfig is the root configuration for a push-channel client.
type ClientConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Batching  BatchingConfig  `yaml:"batching"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the push-channel endpoint and socket timeouts.
type ServerConfig struct {
	URL              string        `yaml:"url"` // ws://, wss://, http:// or https://
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
}

// ReconnectConfig holds the automatic retry policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	JitterFrac  float64       `yaml:"jitter_frac"`
}

// BatchingConfig holds outbound batching settings.
type BatchingConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	FlushThreshold int           `yaml:"flush_threshold"`
	MaxQueueDepth  int           `yaml:"max_queue_depth"`
}

// HealthConfig holds connection-quality sampling settings.
type HealthConfig struct {
	SampleInterval  time.Duration `yaml:"sample_interval"`
	LatencyWindow   int           `yaml:"latency_window"`
	StabilityWindow int           `yaml:"stability_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
