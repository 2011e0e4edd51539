package sso

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory store defaults
const (
	DefaultMemoryStoreSize = 10000
	DefaultSessionTTL      = 24 * time.Hour
)

// MemoryStore keeps sessions in process memory. Entries expire after the
// configured TTL and the least recently used session is evicted once the
// store is full. It is safe for concurrent use.
type MemoryStore struct {
	sessions *expirable.LRU[string, *Session]
}

// NewMemoryStore creates an in-memory session store. Zero values select the
// defaults.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = DefaultMemoryStoreSize
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryStore{
		sessions: expirable.NewLRU[string, *Session](size, nil, ttl),
	}
}

// Get returns a copy of the stored session
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	session, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.clone(), nil
}

// Save stores a copy of the session, resetting its TTL
func (m *MemoryStore) Save(_ context.Context, session *Session) error {
	m.sessions.Add(session.ID, session.clone())
	return nil
}

// Destroy removes the session
func (m *MemoryStore) Destroy(_ context.Context, id string) error {
	m.sessions.Remove(id)
	return nil
}

// Len returns the number of live sessions
func (m *MemoryStore) Len() int {
	return m.sessions.Len()
}
