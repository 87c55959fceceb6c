// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains the single push-channel WebSocket to the dashboard server
//   - Drives the lifecycle state machine (idle, connecting, connected,
//     disconnected, authentication_failed, closing)
//   - Reconnects with exponential backoff and jitter, bounded by a
//     handshake watchdog
//   - Decodes inbound frames and fans them out via the Subscriber
//     Registry
//   - Drains the Outbound Batcher onto the wire while connected
//   - Reports every lifecycle and timing event to the Metrics Collector
//
// The socket and all timers are confined to one owning goroutine;
// public methods talk to it over channels. Authentication rides on the
// dial URL as a token query parameter.
package connection
