package nas

import (
	"fmt"
	"os"
	"sync"
)

// keyedMutex serializes work per key (a principal ID) without a global lock.
// Entries are dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockStore serializes work on owner's store. The in-process lock comes first,
// then an exclusive lock on the store's lock file so separate nas processes
// queue up too.
func (s *Service) lockStore(owner *Principal) (func(), error) {
	unlock := s.locks.Lock(owner.ID)
	layout := s.Layout(owner)
	if err := os.MkdirAll(layout.Root, 0o700); err != nil {
		unlock()
		return nil, fmt.Errorf("creating store %s: %w", layout.Root, err)
	}
	release, err := lockFile(layout.LockFile())
	if err != nil {
		unlock()
		return nil, fmt.Errorf("locking store of %s: %w", owner.Username, err)
	}
	return func() {
		if err := release(); err != nil {
			s.logger.Warn("releasing store lock", "owner", owner.Username, "error", err)
		}
		unlock()
	}, nil
}
