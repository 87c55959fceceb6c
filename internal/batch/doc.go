// Package batch implements the Outbound Batcher component.
//
// The batcher:
//   - Queues outbound messages in three FIFO lanes (high/medium/low)
//   - Drains lanes in strict priority order up to a batch size cap
//   - Caps the total queue depth, evicting one oldest lowest-priority
//     message per overflow
//   - Tracks batch counts, drop counts, and estimated bytes saved
//     by coalescing
//
// The batcher is a passive structure: the Connection Manager owns the
// flush timer and is the only component that writes drained batches to
// the socket.
package batch
