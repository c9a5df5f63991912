package coordinator

import "sync"

// leaseTable grants at most one holder per thread. Acquisition never waits.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]struct{})}
}

// tryAcquire takes the lease for threadID. The returned release function is
// idempotent.
func (l *leaseTable) tryAcquire(threadID string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[threadID]; busy {
		return nil, false
	}
	l.held[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, threadID)
			l.mu.Unlock()
		})
	}, true
}

func (l *leaseTable) isHeld(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[threadID]
	return ok
}
