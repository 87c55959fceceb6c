// Package metrics implements the Metrics Collector component.
//
// Key metrics:
//   - Message counters (sent, received, errors)
//   - Bounded latency sample window and its average
//   - Trailing connection stability window
//   - Derived 0-100 connection quality score (latency, drop rate,
//     stability, weighted and clamped)
//
// The collector is pull-based: Snapshot assembles a read-only view and
// never mutates state. Metrics accumulate for the manager's lifetime
// and clear only via Reset.
package metrics
