// Package session provides cookie-backed request sessions with
// pluggable persistence.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// CookieName is the session cookie issued to HTTP clients.
const CookieName = "gantry_session"

// Session is the per-request view of a stored session. Mutations mark
// it dirty so the middleware knows to persist it on the way out.
type Session struct {
	id string

	mu     sync.RWMutex
	values map[string]any
	dirty  bool
	fresh  bool
}

// New mints an empty session with a fresh id.
func New() *Session {
	return &Session{
		id:     uuid.NewString(),
		values: make(map[string]any),
		fresh:  true,
	}
}

// Restore rebuilds a session from stored values.
func Restore(id string, values map[string]any) *Session {
	if values == nil {
		values = make(map[string]any)
	}
	return &Session{id: id, values: values}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Fresh reports whether the session was minted during this request
// and its cookie still needs to be issued.
func (s *Session) Fresh() bool { return s.fresh }

// Dirty reports whether the session changed since load.
func (s *Session) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Get returns the value for key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value and marks the session dirty.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

// Delete removes a key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Clear drops every value.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) > 0 {
		s.values = make(map[string]any)
		s.dirty = true
	}
}

// Len returns the number of stored keys.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Values copies the current values for persistence.
func (s *Session) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
