package generic

import "sync"

// keyedMutex serializes work per balance key. Entries are reference counted
// and dropped when the last holder unlocks, so idle keys cost nothing.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[BalanceKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[BalanceKey]*keyLock)}
}

// Lock blocks until key is held and returns its unlock function.
func (k *keyedMutex) Lock(key BalanceKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
