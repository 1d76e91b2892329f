package gateway

import (
	"sync"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/google/uuid"
)

// Hub groups live connections by session and holds each session's merged
// extraction state. Multiple tabs of the same widget share one group.
type Hub struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]map[*Conn]struct{}
	fields map[uuid.UUID]*domain.FieldState
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		groups: make(map[uuid.UUID]map[*Conn]struct{}),
		fields: make(map[uuid.UUID]*domain.FieldState),
	}
}

// Join registers a connection under its session group
func (h *Hub) Join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[c.sessionID]
	if !ok {
		group = make(map[*Conn]struct{})
		h.groups[c.sessionID] = group
	}
	group[c] = struct{}{}
}

// Leave removes a connection. The session's extraction state survives until
// the last connection leaves.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[c.sessionID]
	if !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, c.sessionID)
		delete(h.fields, c.sessionID)
	}
}

// Broadcast sends an envelope to every connection in the session group except
// the sender. A nil sender reaches everyone.
func (h *Hub) Broadcast(sessionID uuid.UUID, sender *Conn, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.groups[sessionID] {
		if c == sender {
			continue
		}
		c.Send(env)
	}
}

// Fields returns the session's merged extraction state, creating it on first use
func (h *Hub) Fields(sessionID uuid.UUID) *domain.FieldState {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.fields[sessionID]
	if !ok {
		state = domain.NewFieldState()
		h.fields[sessionID] = state
	}
	return state
}
