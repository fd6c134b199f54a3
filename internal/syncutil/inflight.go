// Package syncutil holds the small locking primitives used by the tracking
// scheduler and the embedded store.
package syncutil

import "sync"

// InFlight is a non-blocking per-key guard. A key is held from TryAcquire
// until Release; a second TryAcquire for a held key fails immediately
// instead of queueing.
type InFlight struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewInFlight creates an empty guard.
func NewInFlight() *InFlight {
	return &InFlight{held: make(map[string]struct{})}
}

// TryAcquire marks key as in flight. It returns false if key is already held.
func (f *InFlight) TryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.held[key]; busy {
		return false
	}
	f.held[key] = struct{}{}
	return true
}

// Release clears key. Releasing a key that is not held is a no-op.
func (f *InFlight) Release(key string) {
	f.mu.Lock()
	delete(f.held, key)
	f.mu.Unlock()
}

// Len returns the number of keys currently held.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}
