package session

import (
	"container/list"
	"context"
	"sync"
)

// Store abstracts session persistence so the engine can run against an
// in-process map or an external cache without caring which.
type Store interface {
	// Get returns the session for userID, creating an idle default when absent.
	Get(ctx context.Context, userID string) (*Session, error)
	// Put persists the session.
	Put(ctx context.Context, s *Session) error
	// Delete removes the session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, userID string) error
}

const defaultMaxEntries = 10000

// MemoryStore keeps sessions in an LRU-bounded in-process map.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	max     int
}

type memoryEntry struct {
	userID  string
	session *Session
}

// NewMemoryStore creates an in-memory store evicting least-recently-used
// sessions beyond maxEntries (defaulted when <= 0).
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     maxEntries,
	}
}

// Get returns the stored session or a fresh idle one. The returned value is
// a copy; callers persist changes with Put.
func (m *MemoryStore) Get(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[userID]; ok {
		m.order.MoveToFront(el)
		copied := *el.Value.(*memoryEntry).session
		return &copied, nil
	}
	return NewSession(userID), nil
}

// Put stores a copy of the session, evicting the oldest entry if over capacity.
func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *s
	if el, ok := m.entries[s.UserID]; ok {
		el.Value.(*memoryEntry).session = &copied
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryEntry{userID: s.UserID, session: &copied})
	m.entries[s.UserID] = el

	for m.order.Len() > m.max {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).userID)
	}
	return nil
}

// Delete removes the session for userID.
func (m *MemoryStore) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[userID]; ok {
		m.order.Remove(el)
		delete(m.entries, userID)
	}
	return nil
}

// Len reports the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
