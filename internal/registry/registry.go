package registry

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
)

// Handler consumes the payload of one inbound frame. Handlers run on
// the Connection Manager's dispatch goroutine and should hand work off
// quickly.
type Handler func(payload json.RawMessage)

// Registry fans inbound frames out to handlers keyed by event type.
//
// Multiple handlers may be registered for one type; they are invoked in
// registration order. A panic in one handler is recovered and logged
// and does not stop later handlers, nor does it reach the dispatcher.
// The registry outlives individual connections: subscriptions persist
// across reconnects.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]entry

	dispatched    int64
	handlerPanics int64
	unhandled     int64
}

// entry pairs a handler with its identity. Re-subscribing the same
// function for the same type is a no-op, matching by function pointer.
type entry struct {
	id uintptr
	h  Handler
}

// Stats reports dispatch counters.
type Stats struct {
	Dispatched    int64 // frames delivered to at least one handler
	HandlerPanics int64 // handler invocations that panicked
	Unhandled     int64 // frames with no handler for their type
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		subs:   make(map[string][]entry),
	}
}

// Subscribe registers a handler for an event type and returns its
// unsubscribe function. Subscribing the same handler twice for the
// same type keeps a single registration.
func (r *Registry) Subscribe(eventType string, h Handler) func() {
	id := reflect.ValueOf(h).Pointer()

	r.mu.Lock()
	found := false
	for _, e := range r.subs[eventType] {
		if e.id == id {
			found = true
			break
		}
	}
	if !found {
		r.subs[eventType] = append(r.subs[eventType], entry{id: id, h: h})
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unsubscribe(eventType, id)
		})
	}
}

// unsubscribe removes the handler with the given identity.
func (r *Registry) unsubscribe(eventType string, id uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.subs[eventType]
	for i, e := range entries {
		if e.id == id {
			r.subs[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.subs[eventType]) == 0 {
		delete(r.subs, eventType)
	}
}

// Dispatch invokes every handler registered for eventType, in
// registration order. Dispatch never panics.
func (r *Registry) Dispatch(eventType string, payload json.RawMessage) {
	r.mu.RLock()
	entries := r.subs[eventType]
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.h
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.mu.Lock()
		r.unhandled++
		r.mu.Unlock()
		r.logger.Debug("no handlers for event type", "type", eventType)
		return
	}

	for _, h := range handlers {
		r.invoke(eventType, h, payload)
	}

	r.mu.Lock()
	r.dispatched++
	r.mu.Unlock()
}

// invoke runs one handler with panic isolation.
func (r *Registry) invoke(eventType string, h Handler, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.handlerPanics++
			r.mu.Unlock()
			r.logger.Warn("subscriber handler panicked",
				"type", eventType,
				"panic", rec,
			)
		}
	}()
	h(payload)
}

// HandlerCount returns the number of handlers registered for a type.
func (r *Registry) HandlerCount(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}

// Stats returns current dispatch counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Dispatched:    r.dispatched,
		HandlerPanics: r.handlerPanics,
		Unhandled:     r.unhandled,
	}
}
