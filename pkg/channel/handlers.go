package channel

import (
	"encoding/json"
	"sync"
)

// Handlers is a single-slot handler table keyed by event name.
// Setting a handler replaces the previous one, so re-registering on every
// reconnect never accumulates listeners.
//
// It is safe for concurrent use.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers creates an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Set registers fn for event, replacing any existing handler.
// A nil fn removes the handler.
func (h *Handlers) Set(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.m, event)
		return
	}
	h.m[event] = fn
}

// Remove deletes the handler for event.
func (h *Handlers) Remove(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, event)
}

// Clear removes every handler.
func (h *Handlers) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m = make(map[string]Handler)
}

// Has reports whether a handler is registered for event.
func (h *Handlers) Has(event string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.m[event]
	return ok
}

// Len returns the number of registered handlers.
func (h *Handlers) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.m)
}

// Dispatch invokes the handler for event, if any, outside the table lock.
// It reports whether a handler was found.
func (h *Handlers) Dispatch(event string, data json.RawMessage) bool {
	h.mu.RLock()
	fn := h.m[event]
	h.mu.RUnlock()

	if fn == nil {
		return false
	}
	fn(data)
	return true
}
