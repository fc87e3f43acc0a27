package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// SessionStore keeps sealed sessions keyed by UID.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]followlytics.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]followlytics.Session)}
}

// PutSession replaces the session of session.UID.
func (s *SessionStore) PutSession(_ context.Context, session followlytics.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.Sealed = slices.Clone(session.Sealed)
	session.CookieNames = slices.Clone(session.CookieNames)
	s.sessions[session.UID] = session
	return nil
}

// GetSession fetches the session of uid.
func (s *SessionStore) GetSession(_ context.Context, uid string) (followlytics.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[uid]
	if !ok {
		return followlytics.Session{}, fmt.Errorf("session %s: %w", uid, followlytics.ErrNotFound)
	}
	session.Sealed = slices.Clone(session.Sealed)
	return session, nil
}

// DeleteSession removes the session of uid.
func (s *SessionStore) DeleteSession(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[uid]; !ok {
		return fmt.Errorf("session %s: %w", uid, followlytics.ErrNotFound)
	}
	delete(s.sessions, uid)
	return nil
}
