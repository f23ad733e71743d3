package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds sessions in memory. Each session carries its own lock so
// turns on one session serialize while distinct sessions proceed in
// parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionEntry)}
}

// Create registers a fresh session and returns it.
func (st *Store) Create() *Session {
	now := time.Now()
	s := &Session{
		ID:          uuid.NewString(),
		CurrentStep: StepNewCohort,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	st.mu.Lock()
	st.sessions[s.ID] = &sessionEntry{session: s}
	st.mu.Unlock()
	return s
}

// WithSession runs fn with exclusive access to the session's state.
// Turns on the same session serialize here. Returns false when the
// session does not exist.
func (st *Store) WithSession(id string, fn func(*Session) error) (bool, error) {
	st.mu.RLock()
	e := st.sessions[id]
	st.mu.RUnlock()
	if e == nil {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return true, fn(e.session)
}

// Snapshot returns a shallow copy of the session taken under its lock,
// safe to serialize while a turn runs.
func (st *Store) Snapshot(id string) (*Session, bool) {
	var cp Session
	ok, _ := st.WithSession(id, func(s *Session) error {
		cp = *s
		return nil
	})
	if !ok {
		return nil, false
	}
	return &cp, true
}

// Delete removes the session and returns whether it existed.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}
