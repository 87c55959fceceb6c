// Package registry implements the Subscriber Registry component.
//
// The registry:
//   - Maps event types to ordered lists of handlers
//   - Dispatches each inbound frame to every handler for its type
//   - Isolates handler panics so one bad subscriber cannot starve others
//   - Persists across reconnects (subscriptions are independent of
//     connection lifetime)
package registry
