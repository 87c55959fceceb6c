package batch

import (
	"sync"
	"time"
)

// Priority selects one of the three outbound lanes.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow

	numLanes = 3
)

// String returns the priority name for logging.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Message is one queued outbound message.
type Message struct {
	Type       string
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
	Seq        uint64
}

// Config holds batcher limits.
type Config struct {
	MaxBatchSize  int // messages drained per flush
	MaxQueueDepth int // total queued cap; overflow evicts the oldest lowest-priority message
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  50,
		MaxQueueDepth: 1000,
	}
}

// Stats reports batcher counters for the metrics snapshot.
type Stats struct {
	TotalBatches  int64   // flushes that produced at least one message
	TotalMessages int64   // messages flushed across all batches
	AvgBatchSize  float64 // TotalMessages / TotalBatches
	BytesReduced  int64   // estimated wire bytes saved by coalescing
	Dropped       int64   // messages evicted on queue overflow
	QueueSize     int     // messages currently queued across all lanes
}

// Batcher queues outbound messages in three FIFO lanes and drains them
// in strict priority order. Enqueue is accepted in every connection
// state; draining onto the wire is the Connection Manager's job and
// happens only while connected. Safe for concurrent use.
type Batcher struct {
	cfg Config

	mu    sync.Mutex
	lanes [numLanes][]Message
	seq   uint64

	totalBatches  int64
	totalMessages int64
	bytesReduced  int64
	dropped       int64
}

// NewBatcher creates a batcher with the given limits.
func NewBatcher(cfg Config) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	return &Batcher{cfg: cfg}
}

// Enqueue appends a message to its priority lane and returns the
// number of messages evicted to make room (0 or 1). When the queue is
// at MaxQueueDepth, the oldest message in the lowest-priority
// non-empty lane is evicted, so low-priority traffic is sacrificed
// before anything newer or more important. Each overflow costs exactly
// one message.
func (b *Batcher) Enqueue(eventType string, payload any, prio Priority, now time.Time) int {
	if prio < PriorityHigh || prio > PriorityLow {
		prio = PriorityLow
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	if b.queueLen() >= b.cfg.MaxQueueDepth && b.evictOldestLowest() {
		evicted = 1
	}

	b.seq++
	b.lanes[prio] = append(b.lanes[prio], Message{
		Type:       eventType,
		Payload:    payload,
		Priority:   prio,
		EnqueuedAt: now,
		Seq:        b.seq,
	})

	return evicted
}

// evictOldestLowest removes the oldest message from the lowest-priority
// non-empty lane. Caller holds b.mu.
func (b *Batcher) evictOldestLowest() bool {
	for lane := PriorityLow; lane >= PriorityHigh; lane-- {
		if len(b.lanes[lane]) == 0 {
			continue
		}
		b.lanes[lane] = b.lanes[lane][1:]
		b.dropped++
		return true
	}
	return false
}

// Drain removes and returns up to MaxBatchSize messages in strict
// priority order: all high, then medium, then low. Messages that do
// not fit remain queued for the next flush.
func (b *Batcher) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	remaining := b.cfg.MaxBatchSize
	for lane := PriorityHigh; lane <= PriorityLow; lane++ {
		if remaining == 0 {
			break
		}
		n := len(b.lanes[lane])
		if n > remaining {
			n = remaining
		}
		out = append(out, b.lanes[lane][:n]...)
		b.lanes[lane] = b.lanes[lane][n:]
		remaining -= n
	}
	return out
}

// Ready reports whether the queued count has reached the size
// threshold that should trigger an immediate flush.
func (b *Batcher) Ready(threshold int) bool {
	if threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLen() >= threshold
}

// Len returns the total number of queued messages.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLen()
}

// queueLen sums lane lengths. Caller holds b.mu.
func (b *Batcher) queueLen() int {
	n := 0
	for lane := range b.lanes {
		n += len(b.lanes[lane])
	}
	return n
}

// Clear drops all queued messages without counting them as overflow
// drops. Used during teardown.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lane := range b.lanes {
		b.lanes[lane] = nil
	}
}

// RecordFlush accounts for one flushed batch. batchBytes is the size
// of the envelope actually written; singleBytes is what the same
// messages would have cost as one frame each. The difference is the
// coalescing savings.
func (b *Batcher) RecordFlush(count int, batchBytes, singleBytes int) {
	if count == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalBatches++
	b.totalMessages += int64(count)
	if singleBytes > batchBytes {
		b.bytesReduced += int64(singleBytes - batchBytes)
	}
}

// RecordDrop counts messages dropped outside the overflow path, such
// as payloads that failed to encode at flush time.
func (b *Batcher) RecordDrop(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped += int64(n)
}

// Stats returns a copy of the current counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	avg := 0.0
	if b.totalBatches > 0 {
		avg = float64(b.totalMessages) / float64(b.totalBatches)
	}
	return Stats{
		TotalBatches:  b.totalBatches,
		TotalMessages: b.totalMessages,
		AvgBatchSize:  avg,
		BytesReduced:  b.bytesReduced,
		Dropped:       b.dropped,
		QueueSize:     b.queueLen(),
	}
}
