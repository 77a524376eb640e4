package permissions

import "sync"

// Registry resolves handlers by session ID. Components never hold a
// handler directly across a turn boundary; they look it up here, which
// keeps session, handler, and stream free of mutual references.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register installs the handler for its session, replacing any previous
// one. The replaced handler is drained.
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	old := r.handlers[h.SessionID()]
	r.handlers[h.SessionID()] = h
	r.mu.Unlock()
	if old != nil && old != h {
		old.Drain()
	}
}

// Lookup returns the handler for a session.
func (r *Registry) Lookup(sessionID string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[sessionID]
	return h, ok
}

// Remove drops the handler for a session after draining it.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	h := r.handlers[sessionID]
	delete(r.handlers, sessionID)
	r.mu.Unlock()
	if h != nil {
		h.Drain()
	}
}

// Rekey moves a handler from a temporary session ID to the definitive
// one, mirroring the stream manager's rekey.
func (r *Registry) Rekey(tempID, realID string) bool {
	if tempID == realID || realID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[tempID]
	if !ok {
		return false
	}
	delete(r.handlers, tempID)
	h.setSessionID(realID)
	r.handlers[realID] = h
	return true
}

// Grant resolves an approval on whichever session holds the request.
func (r *Registry) Grant(sessionID, requestID, pattern string) bool {
	if h, ok := r.Lookup(sessionID); ok {
		return h.Grant(requestID, pattern)
	}
	return false
}

// Deny resolves an approval as refused.
func (r *Registry) Deny(sessionID, requestID string) bool {
	if h, ok := r.Lookup(sessionID); ok {
		return h.Deny(requestID)
	}
	return false
}

// Answer resolves a pending user question.
func (r *Registry) Answer(sessionID, requestID string, answers map[string]string) bool {
	if h, ok := r.Lookup(sessionID); ok {
		return h.Answer(requestID, answers)
	}
	return false
}

// DrainAll drains every handler. Called on shutdown.
func (r *Registry) DrainAll() {
	r.mu.Lock()
	handlers := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlers = make(map[string]*Handler)
	r.mu.Unlock()
	for _, h := range handlers {
		h.Drain()
	}
}
