package session

import (
	"sync"
	"time"
)

// Store maps session keys to message histories. Implementations must be
// safe for concurrent use and must serialize agent invocations per key
// via Lock/Unlock so that only one loop runs per session at a time.
type Store interface {
	// Get returns a copy of the history for id, reporting whether the
	// session exists.
	Get(id string) ([]Message, bool)

	// Put replaces the history for id, creating the session if needed.
	Put(id string, history []Message)

	// Evict removes a session.
	Evict(id string)

	// Lock acquires the per-session mutex for id, creating the session
	// lazily. It does not guard history reads; Get and Put have their
	// own synchronization.
	Lock(id string)

	// Unlock releases the per-session mutex for id.
	Unlock(id string)
}

type memorySession struct {
	flight   sync.Mutex // serializes agent turns for this key
	messages []Message
	lastUsed time.Time
}

// MemoryStore is a size-bounded in-memory Store. When the session count
// would exceed the cap, the least recently used session is evicted.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*memorySession
	maxSessions int
}

// DefaultMaxSessions bounds the store when no cap is configured.
const DefaultMaxSessions = 1024

// NewMemoryStore creates a bounded in-memory session store.
func NewMemoryStore(maxSessions int) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &MemoryStore{
		sessions:    make(map[string]*memorySession),
		maxSessions: maxSessions,
	}
}

// get returns the entry for id, creating it when create is set.
// Caller must hold s.mu.
func (s *MemoryStore) get(id string, create bool) *memorySession {
	sess, ok := s.sessions[id]
	if !ok && create {
		s.evictOverflow()
		sess = &memorySession{}
		s.sessions[id] = sess
	}
	if sess != nil {
		sess.lastUsed = time.Now()
	}
	return sess
}

// evictOverflow drops least-recently-used sessions until there is room
// for one more. Caller must hold s.mu.
func (s *MemoryStore) evictOverflow() {
	for len(s.sessions) >= s.maxSessions {
		var oldest string
		var oldestAt time.Time
		for id, sess := range s.sessions {
			if oldest == "" || sess.lastUsed.Before(oldestAt) {
				oldest = id
				oldestAt = sess.lastUsed
			}
		}
		delete(s.sessions, oldest)
	}
}

// Get returns a copy of the history for id.
func (s *MemoryStore) Get(id string) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(id, false)
	if sess == nil {
		return nil, false
	}

	history := make([]Message, len(sess.messages))
	copy(history, sess.messages)
	return history, true
}

// Put replaces the history for id, creating the session if needed.
func (s *MemoryStore) Put(id string, history []Message) {
	msgs := make([]Message, len(history))
	copy(msgs, history)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id, true).messages = msgs
}

// Evict removes a session.
func (s *MemoryStore) Evict(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Lock acquires the per-session mutex, creating the session lazily.
func (s *MemoryStore) Lock(id string) {
	s.mu.Lock()
	sess := s.get(id, true)
	s.mu.Unlock()
	sess.flight.Lock()
}

// Unlock releases the per-session mutex.
func (s *MemoryStore) Unlock(id string) {
	s.mu.Lock()
	sess := s.get(id, false)
	s.mu.Unlock()
	if sess != nil {
		sess.flight.Unlock()
	}
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
