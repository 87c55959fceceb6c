package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrAuthRejected     = errors.New("credential rejected by server")
	ErrHandshakeTimeout = errors.New("handshake watchdog timeout")
)

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateAuthFailed
	StateClosing
)

// String returns the state name for logging and UI display.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateAuthFailed:
		return "authentication_failed"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Frame is one decoded inbound message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// outFrame is the wire form of one outbound message.
type outFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// batchEnvelope coalesces multiple outbound frames into one wire
// message.
type batchEnvelope struct {
	Batch []outFrame `json:"batch"`
}

// Close codes the server uses to reject a credential. 4001/4003 are
// the application codes the dashboard backend closes with for invalid
// and expired tokens; 1008 is the generic policy violation.
const (
	closeNormal      = websocket.CloseNormalClosure
	closeAuthInvalid = 4001
	closeAuthExpired = 4003
)

// isAuthCloseCode reports whether a close code signals a rejected or
// expired credential.
func isAuthCloseCode(code int) bool {
	return code == closeAuthInvalid ||
		code == closeAuthExpired ||
		code == websocket.ClosePolicyViolation
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	FlushInterval  time.Duration // outbound batch flush period
	MaxBatchSize   int           // messages per outbound batch
	FlushThreshold int           // queued count that triggers an early flush (0 = MaxBatchSize)
	MaxQueueDepth  int           // total outbound queue cap across lanes

	BackoffBase time.Duration // first reconnect delay
	BackoffCap  time.Duration // reconnect delay ceiling
	MaxAttempts int           // automatic retries before requiring manual reconnect

	// JitterFrac is the ± fraction of jitter applied to backoff
	// delays. Zero disables jitter and gives a deterministic
	// schedule; DefaultManagerConfig uses 0.2.
	JitterFrac float64

	LatencyWindowSize   int // metrics latency sample buffer length
	StabilityWindowSize int // metrics stability sample buffer length

	HandshakeTimeout time.Duration // watchdog bound on the Connecting state
	HealthInterval   time.Duration // stability sampling period
	WriteTimeout     time.Duration // write deadline for sends
	PingInterval     time.Duration // keepalive ping period
	PongTimeout      time.Duration // max silence before the connection is stale

	// Dialer overrides the transport; nil uses the WebSocket dialer.
	Dialer Dialer

	// Clock drives all timers; nil uses the real clock.
	Clock clock.Clock
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		FlushInterval:       200 * time.Millisecond,
		MaxBatchSize:        50,
		MaxQueueDepth:       1000,
		BackoffBase:         1 * time.Second,
		BackoffCap:          60 * time.Second,
		MaxAttempts:         10,
		JitterFrac:          0.2,
		LatencyWindowSize:   100,
		StabilityWindowSize: 60,
		HandshakeTimeout:    10 * time.Second,
		HealthInterval:      1 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        15 * time.Second,
		PongTimeout:         30 * time.Second,
	}
}

// applyDefaults fills zero fields from DefaultManagerConfig.
func (c *ManagerConfig) applyDefaults() {
	d := DefaultManagerConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = c.MaxBatchSize
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = d.MaxQueueDepth
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	// JitterFrac is not defaulted: zero is a valid setting meaning no
	// jitter. Start from DefaultManagerConfig to get the 0.2 default.
	if c.LatencyWindowSize <= 0 {
		c.LatencyWindowSize = d.LatencyWindowSize
	}
	if c.StabilityWindowSize <= 0 {
		c.StabilityWindowSize = d.StabilityWindowSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
