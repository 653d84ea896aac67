package reactor

import (
	"slices"
	"sync"
)

// registry tracks every handle that has been opened on a loop and not yet
// fully closed. A non-empty registry keeps the loop alive.
type registry struct {
	data   map[uint64]Handle
	nextID uint64
	mu     sync.RWMutex
}

func newRegistry() *registry {
	return &registry{
		data:   make(map[uint64]Handle),
		nextID: 1, // 0 is the null handle id
	}
}

// add assigns h the next id.
func (r *registry) add(h Handle, assign func(id uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	assign(id)
	r.data[id] = h
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *registry) get(id uint64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.data[id]
	return h, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// snapshot returns the registered handles, ordered by id.
func (r *registry) snapshot() []Handle {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)

	handles := make([]Handle, 0, len(ids))
	r.mu.RLock()
	for _, id := range ids {
		if h, ok := r.data[id]; ok {
			handles = append(handles, h)
		}
	}
	r.mu.RUnlock()
	return handles
}
