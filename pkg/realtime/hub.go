package realtime

import (
	"sync"

	"lingochat/pkg/domain"
)

// Session is one attached client connection. Implementations must be safe
// for concurrent Send calls.
type Session interface {
	UserID() string
	Send(payload []byte) error
	Close(code int, reason string)
}

// Hub tracks live sessions per user and fans events out to all of them.
// A user may hold several concurrent sessions (phone and tablet); a failed
// write to one session never blocks delivery to the others.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[Session]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[Session]struct{})}
}

// Attach registers a session under its user.
func (h *Hub) Attach(s Session) {
	h.mu.Lock()
	set := h.sessions[s.UserID()]
	if set == nil {
		set = make(map[Session]struct{})
		h.sessions[s.UserID()] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
}

// Detach removes a session if it is still tracked.
func (h *Hub) Detach(s Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.UserID()]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.UserID())
		}
	}
	h.mu.Unlock()
}

// NotifyUser delivers the event to every live session of the user.
// Users without sessions are skipped; the client catches up on next poll.
func (h *Hub) NotifyUser(userID string, event domain.Event) {
	h.Deliver(userID, event.Encode())
}

// Deliver writes an encoded payload to every session of the user and
// returns the number of successful writes.
func (h *Hub) Deliver(userID string, payload []byte) int {
	h.mu.RLock()
	set := h.sessions[userID]
	targets := make([]Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// ConnectionCount reports the number of live sessions for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Close terminates every tracked session and clears hub state.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]Session, 0)
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.sessions = make(map[string]map[Session]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.Close(1001, "hub shutdown")
	}
}
