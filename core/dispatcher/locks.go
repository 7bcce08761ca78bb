package dispatcher

import "sync"

// runLocks serializes work per run id inside one process
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// Lock blocks until the run is free and returns the matching unlock
func (l *runLocks) Lock(runID string) func() {
	l.mu.Lock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &runLock{}
		l.locks[runID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}

func (l *runLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
