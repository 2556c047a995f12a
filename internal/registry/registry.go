// Package registry maps each user to the set of transport sessions they
// currently hold open. A user key exists only while its set is non-empty, so
// Has reflects liveness rather than history.
package registry

import "sync"

type set map[string]struct{}

// Registry is safe for concurrent use by multiple connection goroutines.
type Registry struct {
	mu    sync.RWMutex
	users map[string]set // user_id -> session ids
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[string]set)}
}

// Add records sessionID under userID. Adding an existing pair is a no-op. It
// reports whether this made the user live (first session).
func (r *Registry) Add(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(set)
		r.users[userID] = sessions
	}
	sessions[sessionID] = struct{}{}
	return !ok
}

// Remove deletes sessionID from userID's set and prunes the user entry when
// the set becomes empty. It reports whether this call emptied the set, which
// is true for exactly one Remove per full disconnect.
func (r *Registry) Remove(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, present := sessions[sessionID]; !present {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// SessionsOf returns a snapshot of userID's sessions. The slice is owned by the
// caller and is nil when the user has none.
func (r *Registry) SessionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]string, 0, len(sessions))
	for id := range sessions {
		out = append(out, id)
	}
	return out
}

// Has reports whether userID has at least one live session.
func (r *Registry) Has(userID string) bool {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	return ok
}

// Users returns the number of users with at least one live session.
func (r *Registry) Users() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}
