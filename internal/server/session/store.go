// Package session holds the in-process session cache. The store is owned by
// the application, injected into the services that need it, and torn down
// with the process.
//
// Known limitation: sessions are not shared across process instances. They
// are transient by design and can always be rebuilt from a token.
package session

import (
	"sync"

	"github.com/dmvolov/exvault/internal/server/models"
)

// Store is a concurrency-safe session cache keyed by account id,
// preserving first-insertion order for listings.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*models.Session
	order    []int64
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[int64]*models.Session)}
}

// Put stores a session, overwriting any previous entry for the same account.
// An overwritten entry keeps its original position in the listing order, so
// at most one entry per account ever exists.
func (s *Store) Put(sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.AccountID]; !ok {
		s.order = append(s.order, sess.AccountID)
	}
	s.sessions[sess.AccountID] = sess
}

// Get returns the session for an account, if present.
func (s *Store) Get(accountID int64) (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[accountID]
	return sess, ok
}

// List returns all cached sessions in insertion order.
func (s *Store) List() []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out
}

// Remove drops the session for an account. Removing an absent entry is a no-op.
func (s *Store) Remove(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[accountID]; !ok {
		return
	}
	delete(s.sessions, accountID)
	for i, id := range s.order {
		if id == accountID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
