package core

import (
	"log/slog"
	"sort"
	"sync"

	"wardrelay/internal/protocol"
)

// Registry maps each authenticated identity to its live session. At most one
// session per identity is reachable; the last one registered wins.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register stores s as the live session for its identity and returns the
// session it replaced, if any. The replaced session is not closed; its
// transport notices on its own.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.ID()]
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if prev != nil && prev != s {
		slog.Info("session replaced", "user_id", s.ID(), "online", count)
		return prev
	}
	slog.Info("session registered", "user_id", s.ID(), "role", s.Identity.Role, "online", count)
	return nil
}

// Lookup returns the live session for an identity.
func (r *Registry) Lookup(identityID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identityID]
	return s, ok
}

// Unregister removes s if it is still the live session for its identity.
// It reports whether a mapping was removed; a session that was replaced or
// never registered leaves the registry untouched.
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	cur, ok := r.sessions[s.ID()]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID())
	count := len(r.sessions)
	r.mu.Unlock()

	slog.Info("session unregistered", "user_id", s.ID(), "online", count)
	return true
}

// Online reports whether identityID currently has a live session.
func (r *Registry) Online(identityID string) bool {
	_, ok := r.Lookup(identityID)
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Identities returns the live identities ordered by id.
func (r *Registry) Identities() []protocol.Identity {
	sessions := r.Sessions()
	out := make([]protocol.Identity, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
