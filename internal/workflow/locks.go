package workflow

import "sync"

// caseLocks serializes mutations per case number within this process.
// Entries are reference counted and dropped when no caller holds them.
type caseLocks struct {
	mu sync.Mutex
	m  map[string]*caseLock
}

type caseLock struct {
	mu   sync.Mutex
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{m: make(map[string]*caseLock)}
}

// lock blocks until key is held and returns the release func.
func (l *caseLocks) lock(key string) func() {
	l.mu.Lock()
	cl, ok := l.m[key]
	if !ok {
		cl = &caseLock{}
		l.m[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
