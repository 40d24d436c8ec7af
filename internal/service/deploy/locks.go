package deploy

import "sync"

// nameLocks is a keyed mutex. Entries are dropped once nobody holds or waits
// on them.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sem  chan struct{}
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*nameLock)}
}

// Lock blocks until name is free and returns the matching unlock.
func (l *nameLocks) Lock(name string) func() {
	entry := l.acquire(name)
	entry.sem <- struct{}{}
	return l.unlocker(name, entry)
}

// TryLock takes name only if it is free.
func (l *nameLocks) TryLock(name string) (func(), bool) {
	entry := l.acquire(name)
	select {
	case entry.sem <- struct{}{}:
		return l.unlocker(name, entry), true
	default:
		l.release(name, entry)
		return nil, false
	}
}

func (l *nameLocks) acquire(name string) *nameLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[name]
	if !ok {
		entry = &nameLock{sem: make(chan struct{}, 1)}
		l.locks[name] = entry
	}
	entry.refs++
	return entry
}

func (l *nameLocks) release(name string, entry *nameLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, name)
	}
}

func (l *nameLocks) unlocker(name string, entry *nameLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(name, entry)
		})
	}
}

func (l *nameLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
