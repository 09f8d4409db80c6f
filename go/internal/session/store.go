package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store keeps sessions by token for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*TableSession
	clock    clockwork.Clock
}

// NewStore creates an empty store.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		sessions: make(map[uuid.UUID]*TableSession),
		clock:    clock,
	}
}

// Load returns the session for a token, if any.
func (s *Store) Load(token string) (*TableSession, bool) {
	id, err := uuid.Parse(token)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// New creates and registers a fresh session.
func (s *Store) New() *TableSession {
	sess := &TableSession{
		ID:        uuid.New(),
		CreatedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// LoadOrNew returns the session for token or a new one. created reports which.
func (s *Store) LoadOrNew(token string) (sess *TableSession, created bool) {
	if sess, ok := s.Load(token); ok {
		return sess, false
	}
	return s.New(), true
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
