package metrics

import (
	"sync"
	"time"

	"github.com/gymdesk/realtime/internal/batch"
)

// Quality score weights. The three factors are each normalized to
// [0,100] before weighting.
const (
	weightLatency   = 0.4
	weightDropRate  = 0.3
	weightStability = 0.3
)

// latencyThresholds maps average latency to the latency factor. The
// first threshold the average fits under wins.
var latencyThresholds = []struct {
	upTo   time.Duration
	factor float64
}{
	{50 * time.Millisecond, 100},
	{100 * time.Millisecond, 90},
	{250 * time.Millisecond, 75},
	{500 * time.Millisecond, 50},
	{1000 * time.Millisecond, 25},
}

// MessageStats holds message counters for the snapshot.
type MessageStats struct {
	Sent       int64
	Received   int64
	Errors     int64
	AvgLatency time.Duration
}

// QualityFactors are the normalized inputs to the quality score.
type QualityFactors struct {
	Latency   float64 // lower latency → higher factor
	DropRate  float64 // 100 * (1 - drops/max(1,sent))
	Stability float64 // % of the trailing window spent connected
}

// Quality is the derived connection health score.
type Quality struct {
	Score   float64 // weighted sum of factors, clamped to [0,100]
	Factors QualityFactors
}

// Snapshot is a read-only view of all metrics at one instant.
type Snapshot struct {
	Messages MessageStats
	Quality  Quality
	Batcher  batch.Stats
}

// Collector accumulates connection metrics for the manager's lifetime.
// Counters only grow; the latency and stability buffers are bounded
// rings that evict their oldest sample on overflow. Reset is the only
// way to clear accumulated data. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	sent     int64
	received int64
	errors   int64

	latency    []time.Duration // ring, capacity latencyWindow
	latencyPos int
	latencyLen int

	stability    []bool // ring of connected/not samples
	stabilityPos int
	stabilityLen int
}

// NewCollector creates a collector with the given window capacities.
func NewCollector(latencyWindow, stabilityWindow int) *Collector {
	if latencyWindow <= 0 {
		latencyWindow = 100
	}
	if stabilityWindow <= 0 {
		stabilityWindow = 60
	}
	return &Collector{
		latency:   make([]time.Duration, latencyWindow),
		stability: make([]bool, stabilityWindow),
	}
}

// RecordSent counts n messages written to the wire.
func (c *Collector) RecordSent(n int) {
	c.mu.Lock()
	c.sent += int64(n)
	c.mu.Unlock()
}

// RecordReceived counts one inbound frame.
func (c *Collector) RecordReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

// RecordError counts one transport or protocol error.
func (c *Collector) RecordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// RecordLatency adds one latency sample, evicting the oldest when the
// window is full.
func (c *Collector) RecordLatency(d time.Duration) {
	c.mu.Lock()
	c.latency[c.latencyPos] = d
	c.latencyPos = (c.latencyPos + 1) % len(c.latency)
	if c.latencyLen < len(c.latency) {
		c.latencyLen++
	}
	c.mu.Unlock()
}

// RecordHealthSample adds one connected/not observation to the
// trailing stability window.
func (c *Collector) RecordHealthSample(connected bool) {
	c.mu.Lock()
	c.stability[c.stabilityPos] = connected
	c.stabilityPos = (c.stabilityPos + 1) % len(c.stability)
	if c.stabilityLen < len(c.stability) {
		c.stabilityLen++
	}
	c.mu.Unlock()
}

// Reset clears all counters and windows.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.sent = 0
	c.received = 0
	c.errors = 0
	c.latencyPos = 0
	c.latencyLen = 0
	c.stabilityPos = 0
	c.stabilityLen = 0
	c.mu.Unlock()
}

// Snapshot derives a read-only view. Batcher stats are passed in so
// drop counts come from their single source of truth. Snapshot never
// mutates collector state.
func (c *Collector) Snapshot(bs batch.Stats) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := c.avgLatencyLocked()
	factors := QualityFactors{
		Latency:   latencyFactor(avg, c.latencyLen),
		DropRate:  dropRateFactor(bs.Dropped, c.sent),
		Stability: c.stabilityFactorLocked(),
	}
	score := clamp(factors.Latency*weightLatency +
		factors.DropRate*weightDropRate +
		factors.Stability*weightStability)

	return Snapshot{
		Messages: MessageStats{
			Sent:       c.sent,
			Received:   c.received,
			Errors:     c.errors,
			AvgLatency: avg,
		},
		Quality: Quality{
			Score:   score,
			Factors: factors,
		},
		Batcher: bs,
	}
}

// avgLatencyLocked returns the arithmetic mean of the latency window,
// 0 if empty. Caller holds c.mu.
func (c *Collector) avgLatencyLocked() time.Duration {
	if c.latencyLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.latencyLen; i++ {
		sum += c.latency[i]
	}
	return sum / time.Duration(c.latencyLen)
}

// stabilityFactorLocked returns the percentage of the trailing window
// spent connected. An empty window reads as fully stable. Caller holds
// c.mu.
func (c *Collector) stabilityFactorLocked() float64 {
	if c.stabilityLen == 0 {
		return 100
	}
	up := 0
	for i := 0; i < c.stabilityLen; i++ {
		if c.stability[i] {
			up++
		}
	}
	return clamp(100 * float64(up) / float64(c.stabilityLen))
}

// latencyFactor maps average latency onto [0,100] via fixed
// thresholds. No samples reads as perfect.
func latencyFactor(avg time.Duration, samples int) float64 {
	if samples == 0 {
		return 100
	}
	for _, th := range latencyThresholds {
		if avg <= th.upTo {
			return th.factor
		}
	}
	return 0
}

// dropRateFactor is 100 * (1 - drops/max(1,sent)), clamped.
func dropRateFactor(dropped, sent int64) float64 {
	denom := sent
	if denom < 1 {
		denom = 1
	}
	return clamp(100 * (1 - float64(dropped)/float64(denom)))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
