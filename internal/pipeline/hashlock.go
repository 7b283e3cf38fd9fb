package pipeline

import "sync"

// hashLock serializes pipeline runs for the same content hash. Two concurrent
// deliveries for the same hash would otherwise interleave their upserts and
// enrichment writes; different hashes proceed independently.
type hashLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newHashLock() *hashLock {
	return &hashLock{locks: make(map[string]*lockEntry)}
}

func (h *hashLock) lock(hash string) {
	h.mu.Lock()
	e, ok := h.locks[hash]
	if !ok {
		e = &lockEntry{}
		h.locks[hash] = e
	}
	e.refs++
	h.mu.Unlock()

	e.mu.Lock()
}

func (h *hashLock) unlock(hash string) {
	h.mu.Lock()
	e := h.locks[hash]
	e.refs--
	if e.refs == 0 {
		delete(h.locks, hash)
	}
	h.mu.Unlock()

	e.mu.Unlock()
}
