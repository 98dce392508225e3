package quic

import (
	"sync"
)

// cidRegistry maps connection IDs and stateless reset tokens to sessions.
// One session is reachable by many CIDs; no two sessions may share one.
// Both maps are weak lookup indices: the socket's session set owns the
// sessions, and entries here never extend a session's lifetime.
type cidRegistry struct {
	mutex sync.RWMutex

	sessions    map[string]*Session
	resetTokens map[StatelessResetToken]*Session
}

func newCIDRegistry() *cidRegistry {
	return &cidRegistry{
		sessions:    make(map[string]*Session),
		resetTokens: make(map[StatelessResetToken]*Session),
	}
}

// Add registers a CID for a session. It reports false if the CID is
// already owned by a different session.
func (r *cidRegistry) Add(id ConnectionID, s *Session) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if owner, ok := r.sessions[string(id)]; ok && owner != s {
		return false
	}
	r.sessions[string(id)] = s
	return true
}

// Get looks up the session owning a CID.
func (r *cidRegistry) Get(id ConnectionID) (*Session, bool) {
	r.mutex.RLock()
	s, ok := r.sessions[string(id)]
	r.mutex.RUnlock()
	return s, ok
}

// Remove drops a single CID association.
func (r *cidRegistry) Remove(id ConnectionID) {
	r.mutex.Lock()
	delete(r.sessions, string(id))
	r.mutex.Unlock()
}

// AddResetToken registers a stateless reset token for a session.
func (r *cidRegistry) AddResetToken(token StatelessResetToken, s *Session) {
	r.mutex.Lock()
	r.resetTokens[token] = s
	r.mutex.Unlock()
}

// GetByResetToken looks up the session a stateless reset token belongs to.
func (r *cidRegistry) GetByResetToken(token StatelessResetToken) (*Session, bool) {
	r.mutex.RLock()
	s, ok := r.resetTokens[token]
	r.mutex.RUnlock()
	return s, ok
}

// RemoveResetToken drops a stateless reset token association.
func (r *cidRegistry) RemoveResetToken(token StatelessResetToken) {
	r.mutex.Lock()
	delete(r.resetTokens, token)
	r.mutex.Unlock()
}

// RemoveSession drops every CID and reset token pointing at s.
func (r *cidRegistry) RemoveSession(s *Session) {
	r.mutex.Lock()
	for id, owner := range r.sessions {
		if owner == s {
			delete(r.sessions, id)
		}
	}
	for token, owner := range r.resetTokens {
		if owner == s {
			delete(r.resetTokens, token)
		}
	}
	r.mutex.Unlock()
}

// NumCIDs returns the number of registered CIDs (for tests and teardown checks).
func (r *cidRegistry) NumCIDs() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}
