package session

import "errors"

// Registry maps peer id to its live Session. At most one Session exists per
// id.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Supersede closes and removes the session for id, if any. It reports
// whether one existed.
func (r *Registry) Supersede(id string) bool {
	old, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	_ = old.Close()
	return true
}

// Put stores s under s.ID. Callers supersede first; an existing entry is
// closed here as well so the one-per-id invariant always holds.
func (r *Registry) Put(s *Session) {
	if old, ok := r.sessions[s.ID]; ok && old != s {
		_ = old.Close()
	}
	r.sessions[s.ID] = s
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Current reports whether s is still the registry's entry for its id.
// Callbacks from superseded sessions use it to discard themselves.
func (r *Registry) Current(s *Session) bool {
	return s != nil && r.sessions[s.ID] == s
}

// Remove deletes s if it is the current entry for id. It reports whether
// anything was removed; removing twice is a no-op.
func (r *Registry) Remove(id string, s *Session) bool {
	if cur, ok := r.sessions[id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// Each calls fn for every live session, in no particular order. fn must not
// add or remove sessions.
func (r *Registry) Each(fn func(*Session)) {
	for _, s := range r.sessions {
		fn(s)
	}
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() error {
	var errs []error
	for id, s := range r.sessions {
		delete(r.sessions, id)
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
