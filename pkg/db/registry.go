package db

import "sync"

// Registry hands out descriptors for engine-side objects. Descriptors are
// never reused, so a stale descriptor cannot alias a newer object.
type Registry[T any] struct {
	mu      sync.Mutex
	next    uintptr
	entries map[uintptr]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[uintptr]T)}
}

// Insert stores v and returns its descriptor, which is never zero.
func (r *Registry[T]) Insert(v T) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.entries[r.next] = v
	return r.next
}

func (r *Registry[T]) Get(d uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[d]
	return v, ok
}

// Remove deletes and returns the entry for d. A second Remove of the same
// descriptor reports false.
func (r *Registry[T]) Remove(d uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[d]
	if ok {
		delete(r.entries, d)
	}
	return v, ok
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
