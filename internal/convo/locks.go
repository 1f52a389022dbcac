package convo

import "sync"

// keyedLocks serializes all state transitions for a single user. Two messages
// from the same user must never race through the confirmation check, or a
// duplicated "yes" could trigger two payments. Entries are never evicted; the
// map is bounded by the number of distinct users seen by this process.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
