package chat

import "sync"

// SessionRegistry is this instance's user -> live session table. It is the
// only authority on whether a user is connected here.
type SessionRegistry struct {
	mu     sync.RWMutex
	byUser map[int64]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byUser: make(map[int64]*Session)}
}

// Add stores s for its user and returns the session it replaced, if any.
func (r *SessionRegistry) Add(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.byUser[s.UserID]
	r.byUser[s.UserID] = s
	if replaced == s {
		return nil
	}
	return replaced
}

// Remove deletes s only if it is still the registered session of its user.
func (r *SessionRegistry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUser[s.UserID]; ok && cur == s {
		delete(r.byUser, s.UserID)
		return true
	}
	return false
}

// Get returns the open session of userID.
func (r *SessionRegistry) Get(userID int64) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-s.Done():
		return nil, false
	default:
		return s, true
	}
}

func (r *SessionRegistry) SnapshotAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
