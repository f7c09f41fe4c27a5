package syncer

import "sync"

// File syncs lock the path and then the page; writes to existing pages lock
// only the page and creates only the path. Path locks are never requested
// while a page lock is held.
func pathKey(rel string) string { return "path:" + rel }

func pageKey(id string) string { return "page:" + id }

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}

	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once

	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			k.mu.Lock()

			entry.refs--
			if entry.refs == 0 {
				delete(k.locks, key)
			}

			k.mu.Unlock()
		})
	}
}

// held returns the number of keys with holders or waiters.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.locks)
}
