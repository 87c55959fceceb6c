package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.url scheme must be ws, wss, http or https, got %q", u.Scheme)
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%v) cannot be less than base_delay (%v)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if c.Reconnect.JitterFrac < 0 || c.Reconnect.JitterFrac >= 1 {
		return fmt.Errorf("reconnect.jitter_frac must be in [0, 1), got %g", c.Reconnect.JitterFrac)
	}

	if c.Batching.MaxBatchSize < 1 {
		return errors.New("batching.max_batch_size must be >= 1")
	}
	if c.Batching.MaxQueueDepth < c.Batching.MaxBatchSize {
		return fmt.Errorf("batching.max_queue_depth (%d) cannot be less than max_batch_size (%d)",
			c.Batching.MaxQueueDepth, c.Batching.MaxBatchSize)
	}
	if c.Batching.FlushThreshold < 1 || c.Batching.FlushThreshold > c.Batching.MaxQueueDepth {
		return fmt.Errorf("batching.flush_threshold must be between 1 and max_queue_depth, got %d",
			c.Batching.FlushThreshold)
	}

	if c.Health.LatencyWindow < 1 {
		return errors.New("health.latency_window must be >= 1")
	}
	if c.Health.StabilityWindow < 1 {
		return errors.New("health.stability_window must be >= 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}
