package memory

import (
	"context"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using in-memory storage.
// Sessions are ephemeral so nothing survives a restart.
type SessionStore struct {
	mu sync.RWMutex

	sessions         map[uuid.UUID]*models.AuthorizationSession // session_id -> Session
	sessionsByHolder map[string]uuid.UUID                       // holder -> latest session_id
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:         make(map[uuid.UUID]*models.AuthorizationSession),
		sessionsByHolder: make(map[string]uuid.UUID),
	}
}

// Create stores a session unless its holder already has an open one.
func (s *SessionStore) Create(ctx context.Context, session *models.AuthorizationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevID, ok := s.sessionsByHolder[session.Holder]; ok {
		if prev, exists := s.sessions[prevID]; exists && prev.Status.IsOpen() {
			return store.ErrSessionActive
		}
	}

	s.sessions[session.ID] = cloneSession(session)
	s.sessionsByHolder[session.Holder] = session.ID

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*models.AuthorizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

// GetByHolder retrieves the most recent session opened by holder.
func (s *SessionStore) GetByHolder(ctx context.Context, holder string) (*models.AuthorizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionsByHolder[holder]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

// Update applies fn to a copy of the session and stores it if fn succeeds.
func (s *SessionStore) Update(ctx context.Context, id uuid.UUID, fn func(*models.AuthorizationSession) error) (*models.AuthorizationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	next := cloneSession(session)
	if err := fn(next); err != nil {
		return nil, err
	}

	s.sessions[id] = next
	return cloneSession(next), nil
}

// List returns every stored session.
func (s *SessionStore) List(ctx context.Context) ([]*models.AuthorizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AuthorizationSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal sessions that finished before cutoff.
func (s *SessionStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []uuid.UUID
	for id, session := range s.sessions {
		if session.Status.IsTerminal() && session.FinishedAt != nil && session.FinishedAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		session := s.sessions[id]
		if s.sessionsByHolder[session.Holder] == id {
			delete(s.sessionsByHolder, session.Holder)
		}
		delete(s.sessions, id)
	}

	return len(toDelete), nil
}

func cloneSession(session *models.AuthorizationSession) *models.AuthorizationSession {
	clone := *session
	return &clone
}
